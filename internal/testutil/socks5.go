package testutil

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/detour/internal/socks5"
)

// SOCKS5Server is a minimal SOCKS5 upstream for tests: no-auth, CONNECT
// only, IPv4 and domain destinations. IPv6 destinations are refused.
type SOCKS5Server struct {
	net.Listener

	conns atomic.Int64
}

// StartSOCKS5Server starts a SOCKS5 fixture on a loopback port.
func StartSOCKS5Server(t *testing.T, ctx context.Context) *SOCKS5Server {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	s := &SOCKS5Server{Listener: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns.Add(1)
			go s.handle(c)
		}
	}()
	return s
}

// Conns returns the number of accepted client connections.
func (s *SOCKS5Server) Conns() int64 {
	return s.conns.Load()
}

func (s *SOCKS5Server) handle(c net.Conn) {
	defer c.Close()

	if err := socks5.ServerNegotiate(c); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	if req.Cmd != socks5.CmdConnect {
		_ = socks5.WriteReply(c, socks5.RepCommandNotSupported)
		return
	}
	if req.Atyp == socks5.ATYPIPv6 {
		_ = socks5.WriteReply(c, socks5.RepAddressNotSupported)
		return
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	dst, err := d.Dial("tcp", req.Address())
	if err != nil {
		_ = socks5.WriteReply(c, socks5.RepHostUnreachable)
		return
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	_, _ = io.Copy(c, dst)
}
