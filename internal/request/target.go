package request

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrNoHost is returned when neither the request target nor the Host header
// names a destination.
var ErrNoHost = errors.New("missing host")

// ParseConnectTarget parses the authority-form target of a CONNECT request.
// The port defaults to 443.
func ParseConnectTarget(target string) (string, int, error) {
	host, port, err := splitHostPort(target, 443)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: CONNECT target %q", ErrMalformed, target)
	}
	return host, port, nil
}

// ResolveTarget determines the destination and origin-form path of a plain
// HTTP request.
//
// For an absolute-form target the host, port (80 for http, 443 for https)
// and path with query come from the URI. Otherwise the Host header supplies
// the destination, with port 80 by default, and the target is used as the
// path if it starts with "/".
func ResolveTarget(h *Head) (host string, port int, path string, err error) {
	if scheme, rest, ok := strings.Cut(h.Target, "://"); ok && scheme != "" && !strings.Contains(scheme, "/") {
		authority, path := rest, "/"
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			authority, path = rest[:i], rest[i:]
		}
		if i := strings.IndexByte(path, '#'); i >= 0 {
			path = path[:i]
		}
		if path == "" || path[0] != '/' {
			path = "/" + path
		}
		if i := strings.LastIndexByte(authority, '@'); i >= 0 {
			authority = authority[i+1:]
		}

		defaultPort := 80
		if strings.EqualFold(scheme, "https") {
			defaultPort = 443
		}
		host, port, err := splitHostPort(authority, defaultPort)
		if err != nil {
			return "", 0, "", err
		}
		if host == "" {
			return "", 0, "", ErrNoHost
		}
		return host, port, path, nil
	}

	hostHeader := h.Get("Host")
	if hostHeader == "" {
		return "", 0, "", ErrNoHost
	}
	host, port, err = splitHostPort(hostHeader, 80)
	if err != nil {
		// A bad port in the Host header falls back to the default.
		host, port, err = stripPort(hostHeader), 80, nil
	}
	if host == "" {
		return "", 0, "", ErrNoHost
	}

	path = "/"
	if strings.HasPrefix(h.Target, "/") {
		path = h.Target
	}
	return host, port, path, nil
}

// Rewrite returns the head to send to the origin: the request line in origin
// form with path, the original header lines minus Proxy-Connection and
// Connection, and a trailing Connection: close.
func Rewrite(h *Head, path string) []byte {
	var b strings.Builder
	b.Grow(len(h.Raw))

	b.WriteString(h.Method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteByte(' ')
	b.WriteString(h.Proto)
	b.WriteString("\r\n")

	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, "Proxy-Connection") || strings.EqualFold(f.Name, "Connection") {
			continue
		}
		b.WriteString(f.Line)
		b.WriteString("\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

func splitHostPort(s string, defaultPort int) (string, int, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		var ae *net.AddrError
		if errors.As(err, &ae) && ae.Err == "missing port in address" {
			return stripBrackets(s), defaultPort, nil
		}
		return "", 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if p == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: port %q", ErrMalformed, p)
	}
	return host, port, nil
}

func stripPort(s string) string {
	if strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ']'); i > 0 {
			return s[1:i]
		}
	}
	host, _, _ := strings.Cut(s, ":")
	return host
}

func stripBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1]
	}
	return s
}
