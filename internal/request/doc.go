// Package request reads and rewrites HTTP/1.x proxy requests at the byte
// level.
//
// Unlike net/http, nothing is normalized: header lines keep their original
// spelling and order, and chunked bodies are kept in their wire framing so
// they can be forwarded byte for byte.
package request
