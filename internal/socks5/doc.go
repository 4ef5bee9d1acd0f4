// Package socks5 holds the SOCKS5 handshake used by the upstream client and
// by the test fixture server.
//
// It wraps the wire types in github.com/txthinking/socks5 and supports only
// what the proxy needs: version 5, the no-authentication method, the CONNECT
// command, and IPv4 or domain-name destinations.
package socks5
