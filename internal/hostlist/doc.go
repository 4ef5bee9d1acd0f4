// Package hostlist classifies a hostname or IP literal against an
// operator-configured list of domains, IP literals, and CIDR blocks.
//
// Entries are classified lazily at match time. Malformed entries never match
// and never cause an error. No DNS resolution is performed.
package hostlist
