package dialer

import (
	"errors"
	"fmt"
)

// ErrCapabilityUnavailable is returned by the upstream dialer when no SOCKS5
// upstream is configured.
var ErrCapabilityUnavailable = errors.New("socks5 upstream unavailable")

// ConnectError reports a failed outbound connection.
type ConnectError struct {
	// Via is "direct" or "socks5".
	Via  string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", e.Via, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
