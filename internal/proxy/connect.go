package proxy

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/request"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

func (s *session) handleConnect(ctx context.Context, head *request.Head, conn net.Conn, br *bufio.Reader) {
	host, port, err := request.ParseConnectTarget(head.Target)
	if err != nil {
		s.emit(events.Event{Kind: events.BadRequest, Detail: head.RequestLine(), Err: err})
		return
	}
	target := joinHostPort(host, port)

	out := s.tryDirect(ctx, host, port, s.srv.cfg.ConnectDialTimeout)
	if out == nil {
		out, err = s.dialUpstream(ctx, target)
		if err != nil {
			s.badGateway(conn, target, err)
			return
		}
	}

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		_ = out.Close()
		s.emit(events.Event{Kind: events.Error, Target: target, Detail: "write connect reply", Err: err})
		return
	}

	// The relay's idle timer replaces the per-operation deadlines.
	client := &bufferedConn{Conn: dialer.WithIdleTimeout(conn, 0), r: br}
	out = dialer.WithIdleTimeout(out, 0)

	s.emit(events.Event{Kind: events.RelayStarted, Target: target})
	sent, received, err := CopyBidirectional(ctx, client, out, s.srv.cfg.RelayIdleTimeout)
	s.emit(events.Event{Kind: events.RelayFinished, Target: target, Sent: sent, Received: received, Err: err})
}

// bufferedConn reads through r so bytes buffered while reading the request
// head reach the tunnel.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
