package pirest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"time"
)

// connState is the state of a `Conn`.
type connState uint8

// connection states
const (
	stateReading connState = iota
	stateDispatched
	stateWriting
	stateClosed
)

// errBodyLimitExceeded fails a read whose body exceeds the configured limit.
var errBodyLimitExceeded = errors.New("pirest: body limit exceeded")

// Conn is a per-socket connection state machine and the handle handlers and
// filters receive.
//
// A `Conn` is in exactly one of the reading, dispatched, writing or closed
// states; transitions are serialized on the connection's goroutine. Within
// one connection the response for a request is fully written before the next
// request is read.
type Conn struct {
	server *Server

	raw net.Conn // accepted TCP socket
	nc  net.Conn // raw, possibly wrapped by the detect buffer and TLS
	lr  *io.LimitedReader
	br  *bufio.Reader

	state       connState
	request     *Request
	allowOrigin string
	responses   chan *Response
}

// newConn returns a new instance of the `Conn` for the accepted raw socket.
func newConn(s *Server, raw net.Conn) *Conn {
	return &Conn{
		server:    s,
		raw:       raw,
		responses: make(chan *Response, 1),
	}
}

// Request returns the request currently consumed by the connection.
func (c *Conn) Request() *Request {
	return c.request
}

// ReleaseBody moves the current request's body out of the connection and
// returns it. Subsequent calls return nil.
func (c *Conn) ReleaseBody() []byte {
	b := c.request.Body
	c.request.Body = nil
	return b
}

// SetAllowOrigin sets the per-connection allow-origin scratch value, used by
// the CORS filter to propagate preflight decisions to the outgoing phase.
func (c *Conn) SetAllowOrigin(origin string) {
	c.allowOrigin = origin
}

// AllowOrigin returns the per-connection allow-origin scratch value.
func (c *Conn) AllowOrigin() string {
	return c.allowOrigin
}

// NewResponse returns a new instance of the `Response` with the status,
// presetting the protocol version and the keep-alive hint from the current
// request.
func (c *Conn) NewResponse(status int) *Response {
	resp := &Response{
		Status:     status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		KeepAlive:  true,
	}
	if c.request != nil {
		resp.ProtoMajor = c.request.ProtoMajor
		resp.ProtoMinor = c.request.ProtoMinor
		resp.KeepAlive = c.request.KeepAlive
	}

	return resp
}

// Respond responds to the current request with an empty body.
func (c *Conn) Respond(status int, headers ...Header) {
	resp := c.NewResponse(status)
	for _, h := range headers {
		resp.Header.Set(h.Name, h.Value)
	}

	c.RespondWith(resp)
}

// RespondString responds to the current request with the body and the
// contentType. An empty contentType makes the connection sniff one from the
// body.
func (c *Conn) RespondString(
	status int,
	body string,
	contentType string,
	headers ...Header,
) {
	c.RespondBytes(status, []byte(body), contentType, headers...)
}

// RespondBytes responds to the current request with the raw buffer body and
// the contentType. The buffer must not be mutated until the write completes.
// An empty contentType makes the connection sniff one from the body.
func (c *Conn) RespondBytes(
	status int,
	body []byte,
	contentType string,
	headers ...Header,
) {
	resp := c.NewResponse(status)
	resp.SetBytes(body, contentType)
	for _, h := range headers {
		resp.Header.Set(h.Name, h.Value)
	}

	c.RespondWith(resp)
}

// RespondWith hands the resp to the connection, which writes it after
// running the outgoing filter chain over its header map. Ownership of the
// resp transfers to the connection until the write completes.
//
// A request gets exactly one response; extra responses for the same request
// are dropped.
func (c *Conn) RespondWith(resp *Response) {
	select {
	case c.responses <- resp:
	default:
	}
}

// serve drives the connection to completion, upgrading it per the server's
// connection mode first.
func (c *Conn) serve() {
	defer c.close()

	switch c.server.mode {
	case ModeTLS:
		if !c.upgradeTLS(c.raw) {
			return
		}
	case ModeDetect:
		// Non-destructive prefix sniff: a TLS ClientHello starts
		// with a handshake record byte. A sniff error drops the
		// connection.
		br := bufio.NewReader(c.raw)
		b, err := br.Peek(1)
		if err != nil {
			return
		}

		bc := &bufferedConn{Conn: c.raw, r: br}
		if b[0] == 0x16 {
			if !c.upgradeTLS(bc) {
				return
			}
		} else {
			c.start(bc)
		}
	default:
		c.start(c.raw)
	}

	c.loop()
}

// upgradeTLS performs the server-side handshake over the nc, consuming any
// buffered prefix, and reports whether the connection may proceed.
func (c *Conn) upgradeTLS(nc net.Conn) bool {
	tc := tls.Server(nc, c.server.tlsConfig)
	if err := tc.Handshake(); err != nil {
		c.server.Logger.Debugf(
			"pirest: tls handshake with %v failed: %v",
			c.raw.RemoteAddr(),
			err,
		)
		return false
	}

	c.start(tc)

	return true
}

// start installs the effective stream of the connection.
func (c *Conn) start(nc net.Conn) {
	c.nc = nc
	c.lr = &io.LimitedReader{R: nc}
	c.br = bufio.NewReader(c.lr)
}

// loop is the keep-alive request/response loop.
func (c *Conn) loop() {
	for {
		req, err := c.readRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown()
			} else {
				c.server.Logger.Debugf(
					"pirest: read from %v failed: %v",
					c.raw.RemoteAddr(),
					err,
				)
			}

			return
		}

		// The connection has one deadline, armed only while reading.
		c.nc.SetReadDeadline(time.Time{})

		c.request = req
		c.state = stateDispatched

		responded := false
		for _, f := range c.server.setting.Filters {
			if f.OnIncomingRequest(c) == Responded {
				responded = true
				break
			}
		}

		if !responded {
			err := c.server.router.Routing(
				c,
				req.Method,
				req.Target,
			)
			if err != nil {
				resp := c.NewResponse(http.StatusBadRequest)
				resp.KeepAlive = false
				resp.SetString(err.Error(), "text/plain")
				c.RespondWith(resp)
			}
		}

		resp := <-c.responses

		c.state = stateWriting
		resp.prepare()
		for _, f := range c.server.setting.Filters {
			f.OnOutgoingResponse(c, resp.Header)
		}

		if err := resp.write(c.nc); err != nil {
			c.server.Logger.Debugf(
				"pirest: write to %v failed: %v",
				c.raw.RemoteAddr(),
				err,
			)
			return
		}

		if !resp.KeepAlive {
			c.shutdown()
			return
		}

		c.state = stateReading
		c.nc.SetReadDeadline(
			time.Now().Add(c.server.setting.ReadTimeout),
		)
	}
}

// readRequest reads one complete request from the connection, subject to the
// header and body limits of the setting. An `io.EOF` means the peer closed
// the connection cleanly between requests.
func (c *Conn) readRequest() (*Request, error) {
	c.state = stateReading
	c.lr.N = int64(c.server.setting.HeaderLimit)

	hr, err := http.ReadRequest(c.br)
	if err != nil {
		return nil, err
	}

	c.lr.N = math.MaxInt64

	var body []byte
	if hr.Body != nil {
		if bl := c.server.setting.BodyLimit; bl != nil {
			if hr.ContentLength > *bl {
				hr.Body.Close()
				return nil, errBodyLimitExceeded
			}

			body, err = io.ReadAll(io.LimitReader(hr.Body, *bl+1))
			if err == nil && int64(len(body)) > *bl {
				err = errBodyLimitExceeded
			}
		} else {
			body, err = io.ReadAll(hr.Body)
		}

		hr.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	return &Request{
		Method:     hr.Method,
		Target:     hr.RequestURI,
		Proto:      hr.Proto,
		ProtoMajor: hr.ProtoMajor,
		ProtoMinor: hr.ProtoMinor,
		Header:     hr.Header,
		Body:       body,
		KeepAlive:  !hr.Close,
	}, nil
}

// shutdown closes the connection after flushing the transport: a half-close
// for plain TCP, a graceful close-notify (error ignored) for TLS.
func (c *Conn) shutdown() {
	if tc, ok := c.nc.(*tls.Conn); ok {
		tc.CloseWrite()
	} else if tc, ok := c.raw.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	c.close()
}

// close releases the socket of the connection.
func (c *Conn) close() {
	c.state = stateClosed
	c.raw.Close()
}

// bufferedConn replays the bytes buffered during the TLS detect sniff before
// reading from the underlying connection.
type bufferedConn struct {
	net.Conn

	r *bufio.Reader
}

// Read implements the `net.Conn`.
func (bc *bufferedConn) Read(b []byte) (int, error) {
	return bc.r.Read(b)
}
