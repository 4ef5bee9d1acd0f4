package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosocks5 "github.com/armon/go-socks5"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/hostlist"
	"github.com/die-net/detour/internal/reach"
	"github.com/die-net/detour/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startProxy(t *testing.T, cfg Config) (*Server, *events.Recorder) {
	t.Helper()

	rec := &events.Recorder{}
	if cfg.Sink == nil {
		cfg.Sink = rec
	}
	cfg.Listen = "127.0.0.1:0"
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 200 * time.Millisecond
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv, rec
}

func socks5Upstream(addr string) dialer.Dialer {
	return dialer.NewSOCKS5Dialer(dialer.Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		IOTimeout:          5 * time.Second,
	}, addr)
}

// exchange sends req to the proxy and returns everything it answers until it
// closes the connection.
func exchange(t *testing.T, srv *Server, req string) string {
	t.Helper()

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(c, req); err != nil {
		t.Fatal(err)
	}
	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(resp)
}

// dialTunnel issues CONNECT for target and returns the connection after the
// 200 reply along with a reader positioned after it.
func dialTunnel(t *testing.T, srv *Server, target, extra string) (net.Conn, *bufio.Reader) {
	t.Helper()

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"+extra); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status %q", status)
	}
	if line, err := br.ReadString('\n'); err != nil || line != "\r\n" {
		t.Fatalf("unexpected reply terminator %q: %v", line, err)
	}
	return c, br
}

func TestPlainHTTPDirect(t *testing.T) {
	origin := testutil.StartHTTPOrigin(t)
	srv, rec := startProxy(t, Config{})

	target := origin.Addr()
	resp := exchange(t, srv, "GET http://"+target+"/test HTTP/1.1\r\nHost: "+target+"\r\n\r\n")

	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected response %q", resp)
	}
	if !strings.HasSuffix(resp, `{"ok": true, "path": "/test"}`) {
		t.Fatalf("unexpected body in %q", resp)
	}
	if n := rec.Count(events.DirectAttempt, target); n != 1 {
		t.Fatalf("expected 1 direct attempt, got %d", n)
	}
	if n := rec.Count(events.UpstreamAttempt, ""); n != 0 {
		t.Fatalf("expected no upstream attempt, got %d", n)
	}
	if origin.Hits() != 1 {
		t.Fatalf("expected 1 origin hit, got %d", origin.Hits())
	}
}

func TestPlainHTTPRewrite(t *testing.T) {
	const resp = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"

	origin := testutil.StartRawOrigin(t, []byte(resp), func(b []byte) bool {
		return bytes.HasSuffix(b, []byte("\r\n\r\n"))
	})
	srv, _ := startProxy(t, Config{})

	target := origin.Addr().String()
	got := exchange(t, srv, "GET http://"+target+"/a/b?q=1#frag HTTP/1.1\r\n"+
		"Host: "+target+"\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Connection: keep-alive\r\n"+
		"Accept: */*\r\n\r\n")
	if got != resp {
		t.Fatalf("expected response %q, got %q", resp, got)
	}

	want := "GET /a/b?q=1 HTTP/1.1\r\nHost: " + target + "\r\nAccept: */*\r\nConnection: close\r\n\r\n"
	if sent := string(<-origin.Received); sent != want {
		t.Fatalf("origin received %q, want %q", sent, want)
	}
}

func TestPlainHTTPChunkedBody(t *testing.T) {
	const body = "4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Trailer: y\r\n\r\n"
	const resp = "HTTP/1.1 204 No Content\r\n\r\n"

	origin := testutil.StartRawOrigin(t, []byte(resp), func(b []byte) bool {
		return bytes.HasSuffix(b, []byte(body))
	})
	target := origin.Addr().String()
	want := []byte("POST /upload HTTP/1.1\r\nHost: " + target + "\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" + body)

	srv, _ := startProxy(t, Config{})

	got := exchange(t, srv, "POST http://"+target+"/upload HTTP/1.1\r\n"+
		"Host: "+target+"\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Transfer-Encoding: chunked\r\n\r\n"+body)
	if got != resp {
		t.Fatalf("expected response %q, got %q", resp, got)
	}
	if sent := <-origin.Received; !bytes.Equal(sent, want) {
		t.Fatalf("origin received %q, want %q", sent, want)
	}
}

func TestPlainHTTPMissingHost(t *testing.T) {
	srv, rec := startProxy(t, Config{})

	resp := exchange(t, srv, "GET /nowhere HTTP/1.1\r\nAccept: */*\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("unexpected response %q", resp)
	}
	if !strings.Contains(resp, "Missing Host") {
		t.Fatalf("expected reason in %q", resp)
	}
	if n := rec.Count(events.DirectAttempt, ""); n != 0 {
		t.Fatalf("expected no direct attempt, got %d", n)
	}
}

func TestPlainHTTPViaUpstream(t *testing.T) {
	ctx := t.Context()

	origin := testutil.StartHTTPOrigin(t)
	socks := testutil.StartSOCKS5Server(t, ctx)

	srv, rec := startProxy(t, Config{
		Upstream:  socks5Upstream(socks.Addr().String()),
		ProxyList: hostlist.Parse("127.0.0.1"),
	})

	target := origin.Addr()
	resp := exchange(t, srv, "GET http://"+target+"/test HTTP/1.1\r\nHost: "+target+"\r\n\r\n")

	if !strings.HasSuffix(resp, `{"ok": true, "path": "/test"}`) {
		t.Fatalf("unexpected response %q", resp)
	}
	if n := rec.Count(events.DirectAttempt, target); n != 0 {
		t.Fatalf("expected no direct attempt, got %d", n)
	}
	if n := rec.Count(events.DirectSkipped, target); n != 1 {
		t.Fatalf("expected 1 skipped direct attempt, got %d", n)
	}
	if socks.Conns() != 1 {
		t.Fatalf("expected 1 upstream connection, got %d", socks.Conns())
	}
}

func TestPlainHTTPBothFail(t *testing.T) {
	ctx := t.Context()

	socks := testutil.StartSOCKS5Server(t, ctx)
	srv, rec := startProxy(t, Config{Upstream: socks5Upstream(socks.Addr().String())})

	// Nothing listens there, so the upstream's own connect fails too.
	target := testutil.ClosedPort(t)
	resp := exchange(t, srv, "GET http://"+target+"/ HTTP/1.1\r\nHost: "+target+"\r\n\r\n")

	if !strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Fatalf("unexpected response %q", resp)
	}
	if !strings.Contains(resp, "upstream connect failed") {
		t.Fatalf("expected reason in %q", resp)
	}
	if n := rec.Count(events.DirectFailed, target); n != 1 {
		t.Fatalf("expected 1 failed direct attempt, got %d", n)
	}
	if n := rec.Count(events.UpstreamAttempt, target); n != 1 {
		t.Fatalf("expected 1 upstream attempt, got %d", n)
	}
}

func TestConnectDirect(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	srv, rec := startProxy(t, Config{})

	target := echo.Addr().String()
	c, br := dialTunnel(t, srv, target, "")
	testutil.AssertEcho(t, c, br, []byte("hello tunnel"))

	if n := rec.Count(events.DirectSucceeded, target); n != 1 {
		t.Fatalf("expected 1 direct success, got %d", n)
	}
}

func TestConnectPipelinedBytes(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	srv, _ := startProxy(t, Config{})

	// Bytes sent together with the head must not be lost.
	_, br := dialTunnel(t, srv, echo.Addr().String(), "early")
	buf := make([]byte, len("early"))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early" {
		t.Fatalf("expected %q, got %q", "early", buf)
	}
}

func TestConnectViaUpstreamInterop(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)

	socksServer, err := gosocks5.New(&gosocks5.Config{})
	if err != nil {
		t.Fatal(err)
	}
	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = socksLn.Close() })
	go func() { _ = socksServer.Serve(socksLn) }()

	srv, rec := startProxy(t, Config{
		Upstream:  socks5Upstream(socksLn.Addr().String()),
		ProxyList: hostlist.Parse("10.0.0.0/8, 127.0.0.0/8"),
	})

	target := echo.Addr().String()
	c, br := dialTunnel(t, srv, target, "")
	testutil.AssertEcho(t, c, br, []byte("through go-socks5"))

	if n := rec.Count(events.DirectAttempt, ""); n != 0 {
		t.Fatalf("expected no direct attempt, got %d", n)
	}
	if n := rec.Count(events.UpstreamSucceeded, target); n != 1 {
		t.Fatalf("expected 1 upstream success, got %d", n)
	}
}

func TestConnectBothFail(t *testing.T) {
	tests := []struct {
		name     string
		upstream func(t *testing.T) dialer.Dialer
		reason   string
	}{
		{
			name:     "upstream down",
			upstream: func(t *testing.T) dialer.Dialer { return socks5Upstream(testutil.ClosedPort(t)) },
			reason:   "upstream connect failed",
		},
		{
			name:     "no upstream",
			upstream: func(*testing.T) dialer.Dialer { return nil },
			reason:   "direct connect failed and no SOCKS5 upstream configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := startProxy(t, Config{Upstream: tt.upstream(t)})

			target := testutil.ClosedPort(t)
			resp := exchange(t, srv, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")

			if !strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n") {
				t.Fatalf("unexpected response %q", resp)
			}
			if !strings.Contains(resp, "Connection: close\r\n") {
				t.Fatalf("expected Connection: close in %q", resp)
			}
			if !strings.Contains(resp, tt.reason) {
				t.Fatalf("expected %q in %q", tt.reason, resp)
			}
			if n := rec.Count(events.BadGateway, target); n != 1 {
				t.Fatalf("expected 1 bad gateway event, got %d", n)
			}
			if n := rec.Count(events.RelayStarted, ""); n != 0 {
				t.Fatalf("expected no relay, got %d", n)
			}
		})
	}
}

func TestCachedFailureSkipsDirect(t *testing.T) {
	clock := newFakeClock()
	cache := reach.New(300*time.Second, 2*time.Second, reach.WithClock(clock.Now))
	srv, rec := startProxy(t, Config{Cache: cache})

	target := testutil.ClosedPort(t)
	connect := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"

	exchange(t, srv, connect)
	if n := rec.Count(events.DirectAttempt, target); n != 1 {
		t.Fatalf("expected 1 direct attempt, got %d", n)
	}

	clock.Advance(time.Second)
	exchange(t, srv, connect)
	if n := rec.Count(events.DirectAttempt, target); n != 1 {
		t.Fatalf("expected cached failure to skip direct attempt, got %d attempts", n)
	}
	if n := rec.Count(events.DirectSkipped, target); n != 1 {
		t.Fatalf("expected 1 skipped attempt, got %d", n)
	}

	clock.Advance(2 * time.Second)
	exchange(t, srv, connect)
	if n := rec.Count(events.DirectAttempt, target); n != 2 {
		t.Fatalf("expected direct attempt after expiry, got %d attempts", n)
	}
}

func TestProxyListNeverDialsDirect(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	socks := testutil.StartSOCKS5Server(t, ctx)
	srv, rec := startProxy(t, Config{
		Upstream:  socks5Upstream(socks.Addr().String()),
		ProxyList: hostlist.Parse("localhost, 127.0.0.1"),
	})

	target := echo.Addr().String()
	host, port := splitTarget(t, target)

	for _, ok := range []bool{true, false, true} {
		srv.Cache().Record(host, port, ok)
		c, br := dialTunnel(t, srv, target, "")
		testutil.AssertEcho(t, c, br, []byte("x"))
		_ = c.Close()
	}

	if n := rec.Count(events.DirectAttempt, ""); n != 0 {
		t.Fatalf("expected no direct attempt, got %d", n)
	}
}

func TestBypassListStillDialsDirect(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	srv, rec := startProxy(t, Config{BypassList: hostlist.Parse("127.0.0.1")})

	target := echo.Addr().String()
	c, br := dialTunnel(t, srv, target, "")
	testutil.AssertEcho(t, c, br, []byte("x"))

	var detail string
	for _, e := range rec.Events() {
		if e.Kind == events.DirectAttempt {
			detail = e.Detail
		}
	}
	if detail != "bypass list" {
		t.Fatalf("expected bypass list detail, got %q", detail)
	}
}

func TestClearReachabilityCache(t *testing.T) {
	srv, rec := startProxy(t, Config{})

	cache := srv.Cache()
	cache.Record("a.example", 443, false)
	cache.Record("b.example", 80, true)
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}

	srv.ClearReachabilityCache()

	if _, fresh := cache.Lookup("a.example", 443); fresh {
		t.Fatal("expected a.example to be absent after clear")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
	if n := rec.Count(events.CacheCleared, ""); n != 1 {
		t.Fatalf("expected 1 cache cleared event, got %d", n)
	}
}

func TestEmptyRequestDropped(t *testing.T) {
	srv, rec := startProxy(t, Config{})

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	srv.Stop()

	if n := rec.Count(events.RequestReceived, ""); n != 0 {
		t.Fatalf("expected no request, got %d", n)
	}
	if n := rec.Count(events.BadRequest, ""); n != 0 {
		t.Fatalf("expected empty request to be silent, got %d", n)
	}
}

func TestMalformedRequestDropped(t *testing.T) {
	srv, rec := startProxy(t, Config{})

	resp := exchange(t, srv, "NONSENSE\r\n\r\n")
	if resp != "" {
		t.Fatalf("expected no reply, got %q", resp)
	}
	if n := rec.Count(events.BadRequest, ""); n != 1 {
		t.Fatalf("expected 1 bad request event, got %d", n)
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	srv, _ := startProxy(t, Config{RelayIdleTimeout: 100 * time.Millisecond})

	c, br := dialTunnel(t, srv, echo.Addr().String(), "")
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after idle timeout, got %v", err)
	}
}

func TestStopEndsTunnels(t *testing.T) {
	ctx := t.Context()

	echo := testutil.StartEchoTCPServer(t, ctx)
	srv, rec := startProxy(t, Config{ShutdownGrace: 50 * time.Millisecond})

	c, br := dialTunnel(t, srv, echo.Addr().String(), "")
	testutil.AssertEcho(t, c, br, []byte("before stop"))

	srv.Stop()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected tunnel to close on stop")
	}
	if srv.Running() {
		t.Fatal("expected server to be stopped")
	}
	if n := rec.Count(events.ServerStopped, ""); n != 1 {
		t.Fatalf("expected 1 stopped event, got %d", n)
	}
}

func TestStopIdempotent(t *testing.T) {
	srv, err := New(Config{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}

	// Not running yet.
	srv.Stop()
	if srv.Addr() != nil {
		t.Fatal("expected nil address when stopped")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	srv.Stop()
	srv.Stop()
	if srv.Running() {
		t.Fatal("expected server to be stopped")
	}

	// A stopped server can be started again.
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Stop()
}

func TestRestartGetsFreshCache(t *testing.T) {
	srv, _ := startProxy(t, Config{})

	srv.Cache().Record("a.example", 80, false)
	srv.Stop()

	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, fresh := srv.Cache().Lookup("a.example", 80); fresh {
		t.Fatal("expected a fresh cache after restart")
	}
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv, err := New(Config{Listen: ln.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("expected bind error")
	}
	if srv.Running() {
		t.Fatal("expected server to stay stopped")
	}
}

func TestNewInvalidConfig(t *testing.T) {
	for _, listen := range []string{"", "127.0.0.1", ":8080", "127.0.0.1:http", "127.0.0.1:70000"} {
		if _, err := New(Config{Listen: listen}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("listen %q: expected ErrInvalidConfig, got %v", listen, err)
		}
	}
}

func TestServe(t *testing.T) {
	origin := testutil.StartHTTPOrigin(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Config{Listen: ln.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for !srv.Running() {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	target := origin.Addr()
	resp := exchange(t, srv, "GET /serve HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	if !strings.HasSuffix(resp, `{"ok": true, "path": "/serve"}`) {
		t.Fatalf("unexpected response %q", resp)
	}

	srv.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("expected nil from Serve after Stop, got %v", err)
	}
}

func splitTarget(t *testing.T, target string) (string, int) {
	t.Helper()

	tcp, err := net.ResolveTCPAddr("tcp", target)
	if err != nil {
		t.Fatal(err)
	}
	return tcp.IP.String(), tcp.Port
}
