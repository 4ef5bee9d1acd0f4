package dialer

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/die-net/detour/internal/reach"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a Dialer that connects straight to the
// destination.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout, KeepAliveConfig: f.cfg.KeepAlive}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, &ConnectError{Via: "direct", Addr: address, Err: err}
	}

	return WithIdleTimeout(conn, f.cfg.IOTimeout), nil
}

// Direct is the direct connector: it attempts a connection to the origin and
// records every outcome in the reachability cache.
type Direct struct {
	dialer Dialer
	cache  *reach.Cache
}

// NewDirect returns a direct connector dialing through d and recording into
// cache.
func NewDirect(d Dialer, cache *reach.Cache) *Direct {
	return &Direct{dialer: d, cache: cache}
}

// Cache returns the reachability cache the connector records into.
func (d *Direct) Cache() *reach.Cache {
	return d.cache
}

// TryDirect connects to host:port within timeout and records the outcome in
// the cache. On failure the conn is nil and err describes why, for reporting
// only; there is no retry. TryDirect does not consult the cache: callers
// decide whether a fresh cached failure should skip the attempt.
//
// A failure caused by ctx itself ending, such as during shutdown, says
// nothing about the origin and is not recorded.
func (d *Direct) TryDirect(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := d.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	d.cache.Record(host, port, err == nil)
	return conn, err
}
