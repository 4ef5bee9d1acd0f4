package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/request"
)

// session serves one accepted client connection.
type session struct {
	srv    *Server
	run    *run
	id     string
	client net.Conn
}

func (s *session) serve() {
	defer s.client.Close()

	ctx := s.run.ctx
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	conn := dialer.WithIdleTimeout(s.client, s.srv.cfg.HeadTimeout)
	br := bufio.NewReader(conn)

	head, err := request.ReadHead(br, request.DefaultMaxHeadSize)
	if err != nil {
		if !errors.Is(err, request.ErrEmpty) {
			s.emit(events.Event{Kind: events.BadRequest, Detail: "unreadable request head", Err: err})
		}
		return
	}
	s.emit(events.Event{Kind: events.RequestReceived, Detail: head.RequestLine()})

	if head.IsConnect() {
		s.handleConnect(ctx, head, conn, br)
		return
	}
	s.handleHTTP(ctx, head, conn, br)
}

// tryDirect runs the direct leg for host:port. It returns nil when the host
// is forced upstream, a fresh cached failure skips the attempt, or the
// attempt fails.
func (s *session) tryDirect(ctx context.Context, host string, port int, timeout time.Duration) net.Conn {
	cfg := &s.srv.cfg
	target := joinHostPort(host, port)

	if cfg.ProxyList.Match(host) {
		s.emit(events.Event{Kind: events.DirectSkipped, Target: target, Detail: "proxy list"})
		return nil
	}
	if ok, fresh := s.run.cache.Lookup(host, port); fresh && !ok {
		s.emit(events.Event{Kind: events.DirectSkipped, Target: target, Detail: "cached failure"})
		return nil
	}

	var detail string
	if cfg.BypassList.Match(host) {
		detail = "bypass list"
	}
	s.emit(events.Event{Kind: events.DirectAttempt, Target: target, Detail: detail})

	conn, err := s.run.direct.TryDirect(ctx, host, port, timeout)
	if err != nil {
		s.emit(events.Event{Kind: events.DirectFailed, Target: target, Err: err})
		return nil
	}
	s.emit(events.Event{Kind: events.DirectSucceeded, Target: target})
	return conn
}

// dialUpstream connects to target through the SOCKS5 upstream.
func (s *session) dialUpstream(ctx context.Context, target string) (net.Conn, error) {
	s.emit(events.Event{Kind: events.UpstreamAttempt, Target: target})

	conn, err := s.srv.cfg.Upstream.DialContext(ctx, "tcp", target)
	if err != nil {
		s.emit(events.Event{Kind: events.UpstreamFailed, Target: target, Err: err})
		return nil, err
	}
	s.emit(events.Event{Kind: events.UpstreamSucceeded, Target: target})
	return conn, nil
}

// badGateway answers 502 after both legs failed.
func (s *session) badGateway(w net.Conn, target string, err error) {
	reason := "upstream connect failed"
	if errors.Is(err, dialer.ErrCapabilityUnavailable) {
		reason = "direct connect failed and no SOCKS5 upstream configured"
	}
	s.replyError(w, target, http.StatusBadGateway, reason)
}

func (s *session) emit(e events.Event) {
	e.Session = s.id
	s.srv.emit(e)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
