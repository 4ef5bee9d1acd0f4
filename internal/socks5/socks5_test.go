package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name    string
		address string
		atyp    byte
		host    string
	}{
		{name: "ipv4", address: "127.0.0.1:80", atyp: ATYPIPv4, host: "127.0.0.1"},
		{name: "domain", address: "example.com:443", atyp: ATYPDomain, host: "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Atyp != tt.atyp {
					return fmt.Errorf("unexpected atyp: %d", req.Atyp)
				}
				if h, _, _ := net.SplitHostPort(req.Address()); h != tt.host {
					return fmt.Errorf("unexpected host: %q", h)
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			if err := ClientDial(clientConn, tt.address); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestClientDialRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if err := ServerNegotiate(serverConn); err != nil {
			return err
		}
		if _, err := ServerReadRequest(serverConn); err != nil {
			return err
		}
		return WriteReply(serverConn, RepConnectionRefused)
	})

	err := ClientDial(clientConn, "127.0.0.1:1")
	var re *ReplyError
	if !errors.As(err, &re) || re.Rep != RepConnectionRefused {
		t.Fatalf("expected connection refused reply error, got %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestClientNegotiateRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(serverConn, buf); err != nil {
			return
		}
		writeNoAcceptableMethods(serverConn)
	}()

	if err := ClientDial(clientConn, "127.0.0.1:80"); !errors.Is(err, ErrNoAcceptableMethod) {
		t.Fatalf("expected ErrNoAcceptableMethod, got %v", err)
	}
}

func TestClientConnectIPv6Unsupported(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	if err := ClientConnect(clientConn, "[::1]:80"); !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("expected ErrUnsupportedAddress, got %v", err)
	}
}

func TestReplyErrorText(t *testing.T) {
	if got := (&ReplyError{Rep: RepHostUnreachable}).Error(); got != "socks5: connect failed: host unreachable" {
		t.Fatalf("got %q", got)
	}
	if got := (&ReplyError{Rep: 0x42}).Error(); got != "socks5: connect failed: reply code 0x42" {
		t.Fatalf("got %q", got)
	}
}
