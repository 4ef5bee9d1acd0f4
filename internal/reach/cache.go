// Package reach implements the reachability cache: a TTL-bounded record of
// whether a direct connection to a destination recently succeeded or failed.
package reach

import (
	"net"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultSuccessTTL = 300 * time.Second
	DefaultFailTTL    = 30 * time.Second
)

// Entry is the outcome of the most recent direct connect attempt to a
// destination. It is authoritative only while now is before ExpiresAt.
type Entry struct {
	OK        bool
	ExpiresAt time.Time
}

// Cache maps (host, port) to the most recent direct connect outcome.
//
// It is safe for concurrent use. Lookup and Record are each atomic; callers
// must not assume a Lookup followed by a Record is a transaction.
type Cache struct {
	successTTL time.Duration
	failTTL    time.Duration
	now        func() time.Time
	items      *gocache.Cache
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns an empty cache. Non-positive TTLs fall back to the defaults.
func New(successTTL, failTTL time.Duration, opts ...Option) *Cache {
	if successTTL <= 0 {
		successTTL = DefaultSuccessTTL
	}
	if failTTL <= 0 {
		failTTL = DefaultFailTTL
	}

	c := &Cache{
		successTTL: successTTL,
		failTTL:    failTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}

	cleanup := max(successTTL, failTTL)
	c.items = gocache.New(gocache.NoExpiration, cleanup)
	return c
}

// Lookup returns the cached outcome for host:port. fresh is false if there is
// no entry or the entry has expired; ok is meaningful only when fresh is true.
func (c *Cache) Lookup(host string, port int) (ok, fresh bool) {
	v, found := c.items.Get(key(host, port))
	if !found {
		return false, false
	}
	e := v.(Entry)
	if !c.now().Before(e.ExpiresAt) {
		return false, false
	}
	return e.OK, true
}

// Record overwrites the entry for host:port with the outcome ok, expiring
// after the success or failure TTL.
func (c *Cache) Record(host string, port int, ok bool) Entry {
	ttl := c.failTTL
	if ok {
		ttl = c.successTTL
	}
	e := Entry{OK: ok, ExpiresAt: c.now().Add(ttl)}

	// The backing store evicts on wall-clock time; freshness itself is
	// always decided against c.now in Lookup.
	c.items.Set(key(host, port), e, ttl)
	return e
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.items.Flush()
}

// Len returns the number of fresh entries.
func (c *Cache) Len() int {
	now := c.now()
	n := 0
	for _, it := range c.items.Items() {
		if now.Before(it.Object.(Entry).ExpiresAt) {
			n++
		}
	}
	return n
}

// SuccessTTL returns the TTL applied to successful outcomes.
func (c *Cache) SuccessTTL() time.Duration { return c.successTTL }

// FailTTL returns the TTL applied to failed outcomes.
func (c *Cache) FailTTL() time.Duration { return c.failTTL }

func key(host string, port int) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))
}
