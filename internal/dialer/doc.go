// Package dialer provides the outbound legs of the proxy: a timeout-bounded
// direct TCP connector that records outcomes in the reachability cache, and a
// SOCKS5 upstream client used when direct connection is unavailable or
// disallowed.
package dialer
