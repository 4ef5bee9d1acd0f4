package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/reach"
)

// ErrRunning is returned by Start and Serve when the server is already
// running.
var ErrRunning = errors.New("proxy server already running")

// Server is the local forwarding proxy.
//
// Start or Serve runs it; Stop ends it and may be called at any time, any
// number of times. A stopped Server can be started again with the same
// Config.
type Server struct {
	cfg Config

	mu  sync.Mutex
	cur *run
}

// run is the state of one Start..Stop cycle.
type run struct {
	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	cache    *reach.Cache
	direct   *dialer.Direct
	sessions sync.WaitGroup
	done     chan struct{}
}

// New validates cfg and returns a stopped Server.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg}, nil
}

// Start binds the configured listen address and serves in the background.
// Bind errors are returned and leave the server stopped. Canceling ctx closes
// the listener and every session; Stop still releases the server.
func (s *Server) Start(ctx context.Context) error {
	if s.Running() {
		return ErrRunning
	}

	ln, err := Listen(ctx, s.cfg.Listen, s.cfg.KeepAlive)
	if err != nil {
		return err
	}

	r, err := s.begin(ctx, ln)
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.emit(events.Event{Kind: events.ServerStarted, Detail: ln.Addr().String()})

	go func() {
		if err := s.acceptLoop(r); err != nil {
			s.emit(events.Event{Kind: events.Error, Detail: "accept loop", Err: err})
		}
	}()
	return nil
}

// Serve accepts clients on ln until Stop is called or ln fails. It returns
// nil after Stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	r, err := s.begin(ctx, ln)
	if err != nil {
		return err
	}
	s.emit(events.Event{Kind: events.ServerStarted, Detail: ln.Addr().String()})
	return s.acceptLoop(r)
}

func (s *Server) begin(ctx context.Context, ln net.Listener) (*run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil, ErrRunning
	}

	cache := s.cfg.Cache
	if cache == nil {
		cache = reach.New(s.cfg.SuccessTTL, s.cfg.FailTTL)
	}

	r := &run{
		ln:     ln,
		cache:  cache,
		direct: dialer.NewDirect(s.cfg.Direct, cache),
		done:   make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	context.AfterFunc(r.ctx, func() { _ = ln.Close() })
	s.cur = r
	return r, nil
}

func (s *Server) acceptLoop(r *run) error {
	defer close(r.done)

	var tempDelay time.Duration
	for {
		c, err := r.ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil || !s.isCurrent(r) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			s.emit(events.Event{Kind: events.Error, Detail: "accept", Err: err})
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		r.sessions.Add(1)
		go func() {
			defer r.sessions.Done()
			sess := &session{
				srv:    s,
				run:    r,
				id:     uuid.NewString(),
				client: c,
			}
			sess.serve()
		}()
	}
}

// Stop closes the listener, gives in-flight sessions ShutdownGrace to
// finish, then closes their connections and waits up to ShutdownGrace again
// before abandoning them. It is safe to call when not running.
func (s *Server) Stop() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	_ = r.ln.Close()
	<-r.done

	if !waitTimeout(&r.sessions, s.cfg.ShutdownGrace) {
		r.cancel()
		waitTimeout(&r.sessions, s.cfg.ShutdownGrace)
	}
	r.cancel()

	s.emit(events.Event{Kind: events.ServerStopped})
}

// Running reports whether the server is accepting clients.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Addr returns the listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.ln.Addr()
}

// Cache returns the reachability cache of the current run, or the
// configured cache when stopped. It may be nil.
func (s *Server) Cache() *reach.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur.cache
	}
	return s.cfg.Cache
}

// ClearReachabilityCache drops every cached reachability outcome.
func (s *Server) ClearReachabilityCache() {
	c := s.Cache()
	if c == nil {
		return
	}
	c.Clear()
	s.emit(events.Event{Kind: events.CacheCleared})
}

func (s *Server) isCurrent(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == r
}

func (s *Server) emit(e events.Event) {
	s.cfg.Sink.Emit(e)
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
