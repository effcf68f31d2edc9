package pirest

import "net/http"

// FilterResult is the verdict of a filter's incoming hook.
type FilterResult uint8

// filter results
const (
	// Passed means the filter has let the request through and the chain
	// continues.
	Passed FilterResult = iota

	// Responded means the filter has responded to the request itself and
	// the chain must stop.
	Responded
)

// Filter is a capability interposed around every exchange of a connection.
//
// A filter may not assume goroutine affinity across requests, but within a
// single request both hooks and the handler run on the connection's
// goroutine.
type Filter interface {
	// Name returns a stable diagnostic name of the filter.
	Name() string

	// OnIncomingRequest runs over the parsed request before routing. A
	// filter that responds to the request itself must return `Responded`
	// to stop the chain.
	OnIncomingRequest(c *Conn) FilterResult

	// OnOutgoingResponse runs over the outbound response header map just
	// before the connection begins writing. The body is not visible.
	OnOutgoingResponse(c *Conn, header http.Header)
}
