package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/request"
)

func (s *session) handleHTTP(ctx context.Context, head *request.Head, conn net.Conn, br *bufio.Reader) {
	host, port, path, err := request.ResolveTarget(head)
	if err != nil {
		if errors.Is(err, request.ErrNoHost) {
			s.replyError(conn, "", http.StatusBadRequest, "Missing Host")
			return
		}
		s.emit(events.Event{Kind: events.BadRequest, Detail: head.RequestLine(), Err: err})
		return
	}
	target := joinHostPort(host, port)

	body, err := request.ReadBody(br, head)
	if err != nil {
		s.emit(events.Event{Kind: events.BadRequest, Target: target, Detail: "unreadable request body", Err: err})
		return
	}
	payload := append(request.Rewrite(head, path), body...)

	out := s.tryDirect(ctx, host, port, s.srv.cfg.HTTPDialTimeout)
	if out != nil {
		if _, err := out.Write(payload); err != nil {
			s.emit(events.Event{Kind: events.Error, Target: target, Detail: "direct send", Err: err})
			_ = out.Close()
			out = nil
		}
	}
	if out == nil {
		out, err = s.dialUpstream(ctx, target)
		if err != nil {
			s.badGateway(conn, target, err)
			return
		}
		if _, err := out.Write(payload); err != nil {
			_ = out.Close()
			s.emit(events.Event{Kind: events.Error, Target: target, Detail: "upstream send", Err: err})
			s.replyError(conn, target, http.StatusBadGateway, "Upstream send error")
			return
		}
	}
	defer out.Close()

	stop := context.AfterFunc(ctx, func() { _ = out.Close() })
	defer stop()

	client := dialer.WithIdleTimeout(conn, s.srv.cfg.IOTimeout)

	s.emit(events.Event{Kind: events.RelayStarted, Target: target})
	received, err := relayBuffers.copyChunks(client, out, nil)
	s.emit(events.Event{
		Kind:     events.RelayFinished,
		Target:   target,
		Sent:     int64(len(payload)),
		Received: received,
		Err:      err,
	})
}
