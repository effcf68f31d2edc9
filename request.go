package pirest

import "net/http"

// Request is a fully-decoded inbound HTTP message.
//
// It is created by the connection's parser, consumed by exactly one handler,
// and read-only to filters and handlers except that the body may be moved
// out via the `Conn.ReleaseBody`.
type Request struct {
	// Method is the request method, e.g. "GET".
	Method string

	// Target is the raw request-line target in origin-form, including
	// the path and query.
	Target string

	// Proto is the protocol version, e.g. "HTTP/1.1".
	Proto string

	// ProtoMajor and ProtoMinor are the numeric protocol version parts.
	ProtoMajor int
	ProtoMinor int

	// Header is the request header map.
	Header http.Header

	// Body is the request body, already read in full under the
	// configured body limit.
	Body []byte

	// KeepAlive reports whether the client allows the connection to be
	// reused after this exchange.
	KeepAlive bool
}
