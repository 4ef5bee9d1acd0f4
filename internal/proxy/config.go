package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/hostlist"
	"github.com/die-net/detour/internal/reach"
)

const (
	DefaultHeadTimeout        = 5 * time.Second
	DefaultIOTimeout          = 10 * time.Second
	DefaultConnectDialTimeout = 3 * time.Second
	DefaultHTTPDialTimeout    = 4 * time.Second
	DefaultRelayIdleTimeout   = 5 * time.Minute
	DefaultShutdownGrace      = 2 * time.Second
)

// ErrInvalidConfig is wrapped by configuration errors returned from New.
var ErrInvalidConfig = errors.New("invalid proxy config")

// Config is fixed for the lifetime of a Server.
type Config struct {
	// Listen is the local host:port to accept clients on.
	Listen string

	// Upstream reaches destinations through the SOCKS5 upstream. Nil means
	// no upstream is available.
	Upstream dialer.Dialer

	// Direct connects straight to origins. Nil means a plain TCP dialer
	// using IOTimeout and KeepAlive.
	Direct dialer.Dialer

	// BypassList is informational: direct attempts are always allowed.
	BypassList hostlist.List

	// ProxyList hosts skip the direct attempt and go straight upstream.
	ProxyList hostlist.List

	SuccessTTL time.Duration
	FailTTL    time.Duration

	// HeadTimeout bounds each read while receiving the request.
	HeadTimeout time.Duration

	// IOTimeout bounds each read and write on a direct connection while
	// relaying a plain HTTP exchange.
	IOTimeout time.Duration

	// ConnectDialTimeout and HTTPDialTimeout bound the direct connect for
	// CONNECT and plain HTTP requests respectively.
	ConnectDialTimeout time.Duration
	HTTPDialTimeout    time.Duration

	// RelayIdleTimeout closes a tunnel after no bytes moved in either
	// direction for this long.
	RelayIdleTimeout time.Duration

	// ShutdownGrace is how long Stop waits for in-flight sessions before
	// closing their connections, and again before abandoning them.
	ShutdownGrace time.Duration

	KeepAlive net.KeepAliveConfig

	Sink events.Sink

	// Cache, if set, is used across restarts instead of a fresh cache per
	// Start.
	Cache *reach.Cache
}

func (c *Config) setDefaults() {
	if c.Upstream == nil {
		c.Upstream = dialer.Unavailable()
	}
	if c.Sink == nil {
		c.Sink = events.Discard
	}
	if c.SuccessTTL <= 0 {
		c.SuccessTTL = reach.DefaultSuccessTTL
	}
	if c.FailTTL <= 0 {
		c.FailTTL = reach.DefaultFailTTL
	}
	if c.HeadTimeout <= 0 {
		c.HeadTimeout = DefaultHeadTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.ConnectDialTimeout <= 0 {
		c.ConnectDialTimeout = DefaultConnectDialTimeout
	}
	if c.HTTPDialTimeout <= 0 {
		c.HTTPDialTimeout = DefaultHTTPDialTimeout
	}
	if c.RelayIdleTimeout <= 0 {
		c.RelayIdleTimeout = DefaultRelayIdleTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Direct == nil {
		c.Direct = dialer.NewDirectDialer(dialer.Config{
			IOTimeout: c.IOTimeout,
			KeepAlive: c.KeepAlive,
		})
	}
}

func (c *Config) validate() error {
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("%w: listen address %q: %w", ErrInvalidConfig, c.Listen, err)
	}
	if host == "" {
		return fmt.Errorf("%w: listen address %q: missing host", ErrInvalidConfig, c.Listen)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: listen port %q", ErrInvalidConfig, port)
	}
	return nil
}
