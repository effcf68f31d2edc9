package pirest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/aofei/mimesniffer"
)

// Response is an outbound HTTP message.
//
// A `Response` is created by a handler (or by a filter that short-circuits);
// once handed to the Respond family of the `Conn`, ownership transfers to the
// connection until the write completes.
type Response struct {
	// Status is the status code, e.g. 200.
	Status int

	// ProtoMajor and ProtoMinor are the numeric protocol version parts,
	// normally copied from the request.
	ProtoMajor int
	ProtoMinor int

	// Header is the response header map. The outgoing filter chain runs
	// over it just before the connection begins writing.
	Header http.Header

	// Body is the response body.
	Body []byte

	// KeepAlive hints whether the connection returns to reading the next
	// request after the write completes. When false the connection is
	// closed instead.
	KeepAlive bool

	// Chunked indicates whether the body is written with the chunked
	// transfer encoding instead of a Content-Length.
	Chunked bool
}

// SetString sets the body of the r to the owned string body with the
// contentType. An empty contentType makes the connection sniff one from the
// body before writing.
func (r *Response) SetString(body, contentType string) *Response {
	return r.SetBytes([]byte(body), contentType)
}

// SetBytes sets the body of the r to the raw buffer body with the
// contentType. The buffer must not be mutated until the write completes. An
// empty contentType makes the connection sniff one from the body before
// writing.
func (r *Response) SetBytes(body []byte, contentType string) *Response {
	r.Body = body
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}

	return r
}

// prepare fills the payload-framing headers of the r: a response that
// carries neither a content length nor the chunked encoding gets an explicit
// Content-Length, and an untyped non-empty body gets a sniffed Content-Type.
func (r *Response) prepare() {
	if r.Chunked {
		r.Header.Del("Content-Length")
	} else if r.Header.Get("Content-Length") == "" {
		r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}

	if len(r.Body) > 0 && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", mimesniffer.Sniff(r.Body))
	}
}

// write serializes the r to the w as an HTTP/1.x response.
func (r *Response) write(w io.Writer) error {
	b := bytes.Buffer{}

	text := http.StatusText(r.Status)
	if text == "" {
		text = "status code " + strconv.Itoa(r.Status)
	}

	fmt.Fprintf(
		&b,
		"HTTP/%d.%d %03d %s\r\n",
		r.ProtoMajor,
		r.ProtoMinor,
		r.Status,
		text,
	)

	header := r.Header.Clone()
	if r.Chunked {
		header.Set("Transfer-Encoding", "chunked")
	}

	if !r.KeepAlive {
		header.Set("Connection", "close")
	} else if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		header.Set("Connection", "keep-alive")
	}

	if err := header.Write(&b); err != nil {
		return err
	}

	b.WriteString("\r\n")

	if !r.Chunked {
		b.Write(r.Body)
		_, err := w.Write(b.Bytes())
		return err
	}

	if _, err := w.Write(b.Bytes()); err != nil {
		return err
	}

	cw := httputil.NewChunkedWriter(w)
	if len(r.Body) > 0 {
		if _, err := cw.Write(r.Body); err != nil {
			return err
		}
	}

	if err := cw.Close(); err != nil {
		return err
	}

	_, err := io.WriteString(w, "\r\n")
	return err
}
