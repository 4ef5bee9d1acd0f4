package events

import (
	"github.com/rs/zerolog"
)

type logSink struct {
	log zerolog.Logger
}

// NewLogSink returns a Sink that writes events to l.
//
// Server lifecycle events log at info, fallback failures and gateway errors
// at warn, and per-request progress at debug.
func NewLogSink(l zerolog.Logger) Sink {
	return &logSink{log: l}
}

func (s *logSink) Emit(e Event) {
	ev := s.log.WithLevel(level(e.Kind))
	if ev == nil {
		return
	}
	if e.Session != "" {
		ev = ev.Str("session", e.Session)
	}
	if e.Target != "" {
		ev = ev.Str("target", e.Target)
	}
	if e.Detail != "" {
		ev = ev.Str("detail", e.Detail)
	}
	if e.Kind == RelayFinished {
		ev = ev.Int64("sent", e.Sent).Int64("received", e.Received)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(e.Kind.String())
}

func level(k Kind) zerolog.Level {
	switch k {
	case ServerStarted, ServerStopped, CacheCleared:
		return zerolog.InfoLevel
	case UpstreamFailed, BadGateway, Error:
		return zerolog.WarnLevel
	default:
		return zerolog.DebugLevel
	}
}
