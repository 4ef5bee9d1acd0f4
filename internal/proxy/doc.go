// Package proxy implements the local HTTP proxy listener.
//
// Each accepted client is served on its own goroutine. CONNECT requests
// become opaque tunnels and other methods are rewritten to origin form and
// relayed. The outbound leg prefers a direct connection and falls back to
// the SOCKS5 upstream when the host is on the proxy list, a recent direct
// attempt failed, or the direct attempt fails now.
package proxy
