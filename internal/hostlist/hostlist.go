package hostlist

import (
	"net/netip"
	"strings"
)

// List is an ordered set of host list entries. Each entry is one of an exact
// domain, a domain suffix, an IP literal, or a CIDR block.
type List []string

// Parse splits a comma-separated list, dropping blank entries.
func Parse(s string) List {
	var l List
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			l = append(l, e)
		}
	}
	return l
}

// Match reports whether host matches any entry in l.
func (l List) Match(host string) bool {
	return Match(host, l)
}

// Match reports whether host matches any entry in list.
//
// Per entry, the first applicable rule wins:
//   - an entry containing "/" is a CIDR block and matches IP literal hosts it contains
//   - an entry and host that both parse as IPs match on equality
//   - otherwise the host matches case-insensitively if it equals the entry or
//     ends with "." + entry
func Match(host string, list []string) bool {
	host = normalizeHost(host)
	if host == "" || len(list) == 0 {
		return false
	}

	hostIP, hostErr := netip.ParseAddr(host)
	hostIsIP := hostErr == nil
	if hostIsIP {
		hostIP = hostIP.Unmap()
	}

	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			if !hostIsIP {
				continue
			}
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(hostIP) {
				return true
			}
			continue
		}

		entry = normalizeHost(entry)
		if hostIsIP {
			if entryIP, err := netip.ParseAddr(entry); err == nil {
				if entryIP.Unmap() == hostIP {
					return true
				}
				continue
			}
		}

		if matchDomain(host, entry) {
			return true
		}
	}
	return false
}

func matchDomain(host, entry string) bool {
	if entry == "" {
		return false
	}
	if strings.EqualFold(host, entry) {
		return true
	}
	if len(host) <= len(entry) {
		return false
	}
	suffix := host[len(host)-len(entry):]
	return host[len(host)-len(entry)-1] == '.' && strings.EqualFold(suffix, entry)
}

// normalizeHost strips IPv6 brackets and a trailing root dot.
func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return strings.TrimSuffix(h, ".")
}
