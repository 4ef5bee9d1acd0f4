package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

const defaultSOCKS5Port = "1080"

// New parses upstream and constructs the upstream Dialer.
//
// Supported forms:
//   - "" or none:// for no upstream; dials fail with ErrCapabilityUnavailable
//   - socks5://host[:port], port defaulting to 1080
func New(cfg Config, upstream string) (Dialer, error) {
	if upstream == "" {
		return Unavailable(), nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid url: path should be empty")
	}
	if u.User != nil {
		return nil, errors.New("invalid url: upstream authentication is not supported")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "none":
		return Unavailable(), nil
	case "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing host")
		}
		port := u.Port()
		if port == "" {
			port = defaultSOCKS5Port
		}
		return NewSOCKS5Dialer(cfg, net.JoinHostPort(host, port)), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

type unavailableDialer struct{}

// Unavailable returns a Dialer that always fails with
// ErrCapabilityUnavailable.
func Unavailable() Dialer {
	return unavailableDialer{}
}

func (unavailableDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	return nil, &ConnectError{Via: "socks5", Addr: address, Err: ErrCapabilityUnavailable}
}
