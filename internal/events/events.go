// Package events defines the sink through which the proxy core reports
// significant occurrences: requests, connect attempts and outcomes, relay
// start and end, and per-connection errors.
//
// The embedding application adapts a Sink to its own log stream, metrics, or
// UI. NewLogSink and NewMetricsSink cover the common cases.
package events

import (
	"sync"
)

// Kind identifies an event.
type Kind int

const (
	ServerStarted Kind = iota
	ServerStopped
	CacheCleared
	RequestReceived
	DirectSkipped
	DirectAttempt
	DirectSucceeded
	DirectFailed
	UpstreamAttempt
	UpstreamSucceeded
	UpstreamFailed
	RelayStarted
	RelayFinished
	BadGateway
	BadRequest
	Error
)

var kindNames = [...]string{
	ServerStarted:     "server_started",
	ServerStopped:     "server_stopped",
	CacheCleared:      "cache_cleared",
	RequestReceived:   "request_received",
	DirectSkipped:     "direct_skipped",
	DirectAttempt:     "direct_attempt",
	DirectSucceeded:   "direct_succeeded",
	DirectFailed:      "direct_failed",
	UpstreamAttempt:   "upstream_attempt",
	UpstreamSucceeded: "upstream_succeeded",
	UpstreamFailed:    "upstream_failed",
	RelayStarted:      "relay_started",
	RelayFinished:     "relay_finished",
	BadGateway:        "bad_gateway",
	BadRequest:        "bad_request",
	Error:             "error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Event is a single occurrence reported by the proxy.
type Event struct {
	Kind Kind

	// Session identifies the client connection; empty for server-wide events.
	Session string

	// Target is the destination host:port, when known.
	Target string

	// Detail is a short free-form description, e.g. the request line or
	// the reason a direct attempt was skipped.
	Detail string

	// Sent and Received count relayed bytes for RelayFinished, from the
	// client's point of view.
	Sent     int64
	Received int64

	Err error
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long; Emit is called on connection goroutines.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

type multiSink []Sink

// Multi returns a Sink that forwards every event to each of sinks in order.
// Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Discard
	case 1:
		return m[0]
	}
	return m
}

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have kind k and, if target is
// non-empty, that target.
func (r *Recorder) Count(k Kind, target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k && (target == "" || e.Target == target) {
			n++
		}
	}
	return n
}
