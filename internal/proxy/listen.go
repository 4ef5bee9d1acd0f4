package proxy

import (
	"context"
	"fmt"
	"net"
)

// Listen binds addr for the proxy. ka applies to every accepted connection;
// a config with Enable false turns TCP keepalive off.
func Listen(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: ka}
	if !ka.Enable {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
