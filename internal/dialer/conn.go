package dialer

import (
	"net"
	"time"
)

// idleConn refreshes its deadline before every Read and Write, so timeout is
// the longest a single operation may block rather than a bound on the
// connection's lifetime.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

// WithIdleTimeout returns c with each Read and Write required to make
// progress within timeout.
//
// If c was already returned by WithIdleTimeout its timeout is replaced; a
// non-positive timeout then disables it and clears any pending deadline.
// Otherwise a non-positive timeout returns c unchanged.
func WithIdleTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if ic, ok := c.(*idleConn); ok {
		ic.timeout = timeout
		if timeout <= 0 {
			_ = ic.Conn.SetDeadline(time.Time{})
		}
		return ic
	}
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes the connection when the underlying conn supports it.
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
