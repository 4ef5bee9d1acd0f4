package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/detour/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 upstream
// using the no-auth method and the CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
}

// NewSOCKS5Dialer returns a Dialer tunneling through the SOCKS5 server at
// proxyAddr.
func NewSOCKS5Dialer(cfg Config, proxyAddr string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr}
}

// ProxyAddr returns the upstream host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the upstream and asks it to CONNECT to address.
//
// The handshake runs under NegotiationTimeout; the deadline is cleared
// before returning and the IO idle timeout applies from then on.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, &ConnectError{Via: "socks5", Addr: address, Err: fmt.Errorf("unsupported network %q", network)}
	}

	dd := net.Dialer{Timeout: f.cfg.DialTimeout, KeepAliveConfig: f.cfg.KeepAlive}
	c, err := dd.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, &ConnectError{Via: "socks5", Addr: address, Err: fmt.Errorf("upstream %s: %w", f.proxyAddr, err)}
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})

	err = socks5.ClientDial(c, address)
	if !stop() {
		// ctx was canceled mid-handshake; the deadline has already fired.
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, &ConnectError{Via: "socks5", Addr: address, Err: err}
	}

	_ = c.SetDeadline(time.Time{})
	return WithIdleTimeout(c, f.cfg.IOTimeout), nil
}
