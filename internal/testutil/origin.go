package testutil

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// Origin is an HTTP server standing in for a destination website.
type Origin struct {
	*httptest.Server

	hits atomic.Int64
}

// StartHTTPOrigin starts an origin answering every request with
// {"ok": true, "path": "<path>"}.
func StartHTTPOrigin(t *testing.T) *Origin {
	t.Helper()

	o := &Origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok": true, "path": %q}`, r.URL.Path)
	}))
	t.Cleanup(o.Close)
	return o
}

// Addr returns the origin's host:port.
func (o *Origin) Addr() string {
	return o.Listener.Addr().String()
}

// Hits returns the number of requests served.
func (o *Origin) Hits() int64 {
	return o.hits.Load()
}

// RawOrigin accepts one connection, reads until done reports the request is
// complete, answers with resp and closes. The bytes it read are delivered on
// Received.
type RawOrigin struct {
	net.Listener
	Received chan []byte
}

func StartRawOrigin(t *testing.T, resp []byte, done func([]byte) bool) *RawOrigin {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	o := &RawOrigin{Listener: ln, Received: make(chan []byte, 1)}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		var got bytes.Buffer
		buf := make([]byte, 4096)
		for !done(got.Bytes()) {
			n, err := c.Read(buf)
			got.Write(buf[:n])
			if err != nil {
				break
			}
		}
		o.Received <- got.Bytes()
		_, _ = c.Write(resp)
	}()
	return o
}
