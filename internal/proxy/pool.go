package proxy

import (
	"io"
	"sync"
)

const relayBufferSize = 32 << 10

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

var relayBuffers = newBufferPool(relayBufferSize)

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

// copyChunks copies src to dst in buffer-sized reads until EOF or an error,
// calling activity after each chunk written. A nil error means src reached
// EOF.
func (p *bufferPool) copyChunks(dst io.Writer, src io.Reader, activity func()) (int64, error) {
	bp := p.Get()
	defer p.Put(bp)
	buf := *bp

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
			if activity != nil {
				activity()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
