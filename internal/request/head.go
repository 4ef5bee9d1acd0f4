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

// DefaultMaxHeadSize bounds the request line plus headers.
const DefaultMaxHeadSize = 64 << 10

var (
	// ErrEmpty is returned when the client closed without sending anything.
	ErrEmpty = errors.New("empty request")

	// ErrMalformed is returned for a request head or body that cannot be
	// parsed.
	ErrMalformed = errors.New("malformed request")
)

var headTerminator = []byte("\r\n\r\n")

// Field is one header line. A line without a colon has an empty Name.
type Field struct {
	Name  string
	Value string

	// Line is the header line as received, without its CRLF.
	Line string
}

// Head is a parsed request line and header block.
type Head struct {
	// Raw holds the head exactly as received, including the blank line.
	Raw []byte

	Method string
	Target string
	Proto  string
	Fields []Field
}

// ReadHead reads from r up to and including the first blank line. Bytes that
// follow stay buffered in r for ReadBody.
//
// It returns ErrEmpty if the peer closed before sending any byte.
func ReadHead(r *bufio.Reader, maxSize int) (*Head, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeadSize
	}

	var raw []byte
	for !bytes.HasSuffix(raw, headTerminator) {
		line, err := r.ReadSlice('\n')
		raw = append(raw, line...)
		if len(raw) > maxSize {
			return nil, fmt.Errorf("%w: head exceeds %d bytes", ErrMalformed, maxSize)
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			// Line longer than the reader's buffer; keep accumulating.
		case errors.Is(err, io.EOF) && len(raw) == 0:
			return nil, ErrEmpty
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: connection closed before end of head", ErrMalformed)
		default:
			return nil, fmt.Errorf("read head: %w", err)
		}
	}

	return ParseHead(raw)
}

// ParseHead parses a complete head ending in a blank line.
func ParseHead(raw []byte) (*Head, error) {
	text := strings.TrimSuffix(string(raw), "\r\n\r\n")
	lines := strings.Split(text, "\r\n")

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, lines[0])
	}

	h := &Head{
		Raw:    raw,
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
	}
	if !strings.HasPrefix(h.Proto, "HTTP/") {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformed, h.Proto)
	}

	for _, l := range lines[1:] {
		if l == "" {
			continue
		}
		// Lines without a colon keep an empty Name and are forwarded as is.
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			h.Fields = append(h.Fields, Field{Line: l})
			continue
		}
		h.Fields = append(h.Fields, Field{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
			Line:  l,
		})
	}
	return h, nil
}

// RequestLine returns the first line of the head.
func (h *Head) RequestLine() string {
	return h.Method + " " + h.Target + " " + h.Proto
}

// IsConnect reports whether the method is CONNECT.
func (h *Head) IsConnect() bool {
	return strings.EqualFold(h.Method, "CONNECT")
}

// Get returns the value of the first header named name, compared
// case-insensitively.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a header named name is present.
func (h *Head) Has(name string) bool {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// ContentLength returns the Content-Length header value. A missing,
// malformed, or negative value is 0.
func (h *Head) ContentLength() int64 {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Chunked reports whether any Transfer-Encoding header lists chunked.
func (h *Head) Chunked() bool {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, "Transfer-Encoding") && strings.Contains(strings.ToLower(f.Value), "chunked") {
			return true
		}
	}
	return false
}
