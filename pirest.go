/*
Package pirest implements an embeddable HTTP/HTTPS server library built
around two subsystems: a connection engine and a typed router.

The connection engine accepts TCP, optionally auto-detects TLS on each
connection, drives a keep-alive request/response loop, and interposes a
configurable filter chain around every exchange. The router matches a
request's method, path template, and query parameters against registered
handlers, parses captured path and query fragments into typed arguments, and
dispatches to the chosen handler.

Registering a route usually requires a template, a handler, and the allowed
methods:

	s := pirest.NewDetectServer()
	s.HandleFunc(
		"/hello/{name}?age",
		func(c *pirest.Conn, name string, age *int32) {
			if age != nil {
				c.RespondString(
					http.StatusOK,
					fmt.Sprintf("%s is %d", name, *age),
					"text/plain",
				)
				return
			}

			c.RespondString(http.StatusOK, name, "text/plain")
		},
		[]string{"GET"},
	)
	s.ListenAndServe("127.0.0.1", 8080)

The template path consists of /-separated segments that are literals, {name}
placeholders, or a mix of both within one segment. Each placeholder captures
[^/]* of the request path positionally; the name is informational. An
optional ?k1&k2&… suffix declares query parameters. The handler's formal
parameters after the *Conn are filled from the path captures in order, then
from the declared query parameters in order. A pointer-typed formal marks
the query parameter as optional.
*/
package pirest

import "strings"

// Header is a name/value pair destined for a response header map.
type Header struct {
	Name  string
	Value string
}

// stringSliceContains reports whether the ss contains the s. The
// caseInsensitive indicates whether to ignore case when comparing.
func stringSliceContains(ss []string, s string, caseInsensitive bool) bool {
	if caseInsensitive {
		for _, v := range ss {
			if strings.EqualFold(v, s) {
				return true
			}
		}

		return false
	}

	for _, v := range ss {
		if v == s {
			return true
		}
	}

	return false
}
