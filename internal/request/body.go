package request

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const maxChunkLine = 4096

// DefaultMaxBodySize bounds a request body held in memory before it is
// forwarded.
const DefaultMaxBodySize = 64 << 20

// ReadBody reads the request body that follows h on r.
//
// A chunked body is returned in its wire framing: size lines with any
// extensions, data, the terminating zero chunk, trailers, and the final blank
// line. Otherwise Content-Length bytes are read. Chunked takes precedence when
// both headers are present. CONNECT requests have no body.
//
// On a truncated body the bytes read so far are returned with an error
// wrapping ErrMalformed. Bodies over DefaultMaxBodySize are rejected the
// same way.
func ReadBody(r *bufio.Reader, h *Head) ([]byte, error) {
	return ReadBodyLimit(r, h, DefaultMaxBodySize)
}

// ReadBodyLimit is ReadBody with an explicit size limit. A non-positive max
// means DefaultMaxBodySize. For chunked bodies the limit covers the framing.
func ReadBodyLimit(r *bufio.Reader, h *Head, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	if h.IsConnect() {
		return nil, nil
	}
	if h.Chunked() {
		return readChunked(r, maxSize)
	}
	n := h.ContentLength()
	if n == 0 {
		return nil, nil
	}
	if n > maxSize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformed, n, maxSize)
	}

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return buf.Bytes(), fmt.Errorf("%w: body: %w", ErrMalformed, err)
	}
	return buf.Bytes(), nil
}

func readChunked(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := readLine(r, &buf)
		if err != nil {
			return buf.Bytes(), err
		}

		sizeField, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil || size < 0 {
			return buf.Bytes(), fmt.Errorf("%w: chunk size %q", ErrMalformed, line)
		}

		if size == 0 {
			// Trailers end with an empty line.
			for {
				line, err := readLine(r, &buf)
				if err != nil {
					return buf.Bytes(), err
				}
				if line == "" {
					return buf.Bytes(), nil
				}
			}
		}

		if size > maxSize-int64(buf.Len()) {
			return buf.Bytes(), fmt.Errorf("%w: chunked body exceeds %d bytes", ErrMalformed, maxSize)
		}
		if _, err := io.CopyN(&buf, r, size+2); err != nil {
			return buf.Bytes(), fmt.Errorf("%w: chunk data: %w", ErrMalformed, err)
		}
		if !bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
			return buf.Bytes(), fmt.Errorf("%w: chunk data not followed by CRLF", ErrMalformed)
		}
	}
}

// readLine appends one CRLF-terminated line to buf and returns it without
// the terminator.
func readLine(r *bufio.Reader, buf *bytes.Buffer) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxChunkLine {
			buf.Write(line)
			return "", fmt.Errorf("%w: chunk line too long", ErrMalformed)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		buf.Write(line)
		if err != nil {
			return "", fmt.Errorf("%w: chunked body: %w", ErrMalformed, err)
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}
