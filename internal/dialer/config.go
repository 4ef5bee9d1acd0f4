package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds the TCP connect to a destination or to the upstream.
	DialTimeout time.Duration

	// IOTimeout is the per-operation idle deadline applied to established
	// connections. Zero disables it.
	IOTimeout time.Duration

	// NegotiationTimeout bounds the SOCKS5 handshake with the upstream.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
