package proxy

import (
	"fmt"
	"io"
	"net/http"

	"github.com/die-net/detour/internal/events"
)

// replyError answers the client with a short plain text error and reports it.
func (s *session) replyError(w io.Writer, target string, code int, msg string) {
	kind := events.BadGateway
	if code == http.StatusBadRequest {
		kind = events.BadRequest
	}
	_, err := writeError(w, code, msg)
	s.emit(events.Event{Kind: kind, Target: target, Detail: msg, Err: err})
}

// writeError simulates http.Error() on a raw client connection.
func writeError(w io.Writer, code int, msg string) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), msg)
}
