package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between client and server until both
// directions reach EOF, either direction fails, ctx is canceled, or no bytes
// move in either direction for idle. Both connections are closed on return.
//
// sent counts client-to-server bytes and received server-to-client bytes.
func CopyBidirectional(ctx context.Context, client, server net.Conn, idle time.Duration) (sent, received int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = server.Close()
		})
	}
	defer closeBoth()

	var activity func()
	if idle > 0 {
		timer := time.AfterFunc(idle, closeBoth)
		defer timer.Stop()
		activity = func() { timer.Reset(idle) }
	}

	g, gctx := errgroup.WithContext(ctx)

	// Either direction failing, or the owner canceling, tears down both.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		n, err := relayBuffers.copyChunks(server, client, activity)
		sent = n
		closeWrite(server)
		return err
	})

	g.Go(func() error {
		n, err := relayBuffers.copyChunks(client, server, activity)
		received = n
		closeWrite(client)
		return err
	})

	err = g.Wait()
	return sent, received, err
}

// closeWrite signals EOF to the peer while leaving the read side open.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
