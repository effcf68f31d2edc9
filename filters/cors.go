// Package filters provides reference implementations of the
// `pirest.Filter`.
package filters

import (
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/segeter/pirest"
)

// CORSConfig defines the config for the CORS filter.
type CORSConfig struct {
	// AllowOrigins is the list of origins that may access the resource.
	// Each entry is matched against the request origin after both are
	// lowercased and stripped of an exact :80 or :443 suffix.
	//
	// Default value: nil
	AllowOrigins []string

	// AllowHeaders is the list of request headers that can be used when
	// making the actual request, in response to a preflight request.
	//
	// Default value: nil
	AllowHeaders []string

	// AllowMethods is the list of methods allowed when accessing the
	// resource, in response to a preflight request.
	//
	// Default value: nil
	AllowMethods []string

	// ExposeHeaders is the list of response headers that clients are
	// allowed to access.
	//
	// Default value: nil
	ExposeHeaders []string

	// MaxAge indicates how long (in seconds) the results of a preflight
	// request can be cached.
	//
	// Default value: 3600
	MaxAge int

	// AllowCredentials indicates whether the actual request can be made
	// using credentials.
	//
	// Default value: false
	AllowCredentials bool

	// AllowAnyOrigins indicates whether every origin is allowed,
	// regardless of the `AllowOrigins`. The request origin is echoed
	// back in the Access-Control-Allow-Origin.
	//
	// Default value: false
	AllowAnyOrigins bool

	// AllowAnyHeaders indicates whether every request header is allowed,
	// regardless of the `AllowHeaders`.
	//
	// Default value: false
	AllowAnyHeaders bool
}

// CORS is a Cross-Origin Resource Sharing filter.
//
// It answers preflight OPTIONS requests itself and stamps the outgoing
// response headers of every exchange whose origin it has verified, using the
// connection's allow-origin scratch value to carry the decision from the
// incoming to the outgoing phase.
type CORS struct {
	allowOrigins        []string
	allowHeaders        []string
	allowHeadersString  string
	allowMethods        []string
	allowMethodsString  string
	exposeHeadersString string
	maxAge              string
	allowCredentials    bool
	allowAnyOrigins     bool
	allowAnyHeaders     bool
}

// NewCORS returns a new instance of the `CORS` with the config.
func NewCORS(config CORSConfig) *CORS {
	if config.MaxAge == 0 {
		config.MaxAge = 3600
	}

	f := &CORS{
		maxAge:           strconv.Itoa(config.MaxAge),
		allowCredentials: config.AllowCredentials,
		allowAnyOrigins:  config.AllowAnyOrigins,
		allowAnyHeaders:  config.AllowAnyHeaders,
	}

	for _, origin := range config.AllowOrigins {
		f.allowOrigins = append(
			f.allowOrigins,
			normalizeOrigin(origin),
		)
	}

	for _, header := range config.AllowHeaders {
		f.allowHeaders = append(
			f.allowHeaders,
			strings.ToLower(header),
		)
	}
	f.allowHeadersString = strings.Join(f.allowHeaders, ",")

	for _, method := range config.AllowMethods {
		f.allowMethods = append(
			f.allowMethods,
			strings.ToUpper(method),
		)
	}
	f.allowMethodsString = strings.Join(f.allowMethods, ",")

	f.exposeHeadersString = strings.Join(config.ExposeHeaders, ",")

	return f
}

// Name implements the `pirest.Filter`.
func (f *CORS) Name() string {
	return "CorsFilter"
}

// OnIncomingRequest implements the `pirest.Filter`.
func (f *CORS) OnIncomingRequest(c *pirest.Conn) pirest.FilterResult {
	c.SetAllowOrigin("")

	req := c.Request()
	if req.Method == http.MethodOptions {
		return f.handleOptions(c)
	}

	if _, ok := req.Header["Origin"]; !ok {
		return pirest.Passed
	}

	allowedOrigin := f.verifyOrigin(req.Header.Get("Origin"))
	if allowedOrigin == "" {
		resp := c.NewResponse(http.StatusForbidden)
		resp.KeepAlive = false
		resp.SetString("Origin not allowed", "text/plain")
		c.RespondWith(resp)
		return pirest.Responded
	}

	c.SetAllowOrigin(allowedOrigin)

	return pirest.Passed
}

// OnOutgoingResponse implements the `pirest.Filter`.
func (f *CORS) OnOutgoingResponse(c *pirest.Conn, header http.Header) {
	if c.AllowOrigin() == "" {
		return
	}

	header.Set("Access-Control-Allow-Origin", c.AllowOrigin())
	if f.allowAnyHeaders {
		header.Set("Access-Control-Allow-Headers", "*")
	} else if f.allowHeadersString != "" {
		header.Set(
			"Access-Control-Allow-Headers",
			f.allowHeadersString,
		)
	}

	header.Set("Access-Control-Allow-Methods", f.allowMethodsString)
	header.Set("Access-Control-Max-Age", f.maxAge)
	if f.exposeHeadersString != "" {
		header.Set(
			"Access-Control-Expose-Headers",
			f.exposeHeadersString,
		)
	}

	if f.allowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
}

// handleOptions responds to an OPTIONS request: a preflight when an Origin
// is present, a plain capability probe otherwise.
func (f *CORS) handleOptions(c *pirest.Conn) pirest.FilterResult {
	req := c.Request()
	resp := c.NewResponse(http.StatusOK)

	if origin := req.Header.Get("Origin"); origin != "" {
		method := req.Header.Get("Access-Control-Request-Method")
		if method == "" {
			resp.Status = http.StatusBadRequest
		} else {
			headers := req.Header.Get(
				"Access-Control-Request-Headers",
			)
			allowedOrigin := f.preflight(origin, method, headers)
			if allowedOrigin != "" {
				c.SetAllowOrigin(allowedOrigin)
				resp.Status = http.StatusOK
			} else {
				resp.Status = http.StatusForbidden
			}
		}
	} else {
		resp.Header.Set("Allow", "*")
		resp.Header.Set("Age", "3600")
	}

	c.RespondWith(resp)

	return pirest.Responded
}

// verifyOrigin returns the Access-Control-Allow-Origin value for the origin,
// or "" when the origin is not allowed. The origin is echoed back verbatim
// when allowed.
func (f *CORS) verifyOrigin(origin string) string {
	if f.allowAnyOrigins {
		return origin
	}

	normalized := normalizeOrigin(origin)
	for _, allowed := range f.allowOrigins {
		if allowed == normalized {
			return origin
		}
	}

	return ""
}

// preflight verifies the origin, the requested method and the requested
// headers of a preflight request and returns the allowed origin, or "" when
// the preflight fails.
func (f *CORS) preflight(origin, requestMethod, requestHeaders string) string {
	allowedOrigin := f.verifyOrigin(origin)
	if allowedOrigin == "" {
		return ""
	}

	if !f.allowsMethod(requestMethod) {
		return ""
	}

	if !f.allowAnyHeaders && requestHeaders != "" {
		stripped := strings.ToLower(trimAllSpace(requestHeaders))
		for _, header := range strings.Split(stripped, ",") {
			allowed := false
			for _, ah := range f.allowHeaders {
				if ah == header {
					allowed = true
					break
				}
			}

			if !allowed {
				return ""
			}
		}
	}

	return allowedOrigin
}

// allowsMethod reports whether the requestMethod is in the allowed
// methods.
func (f *CORS) allowsMethod(requestMethod string) bool {
	requestMethod = strings.ToUpper(requestMethod)
	for _, method := range f.allowMethods {
		if method == requestMethod {
			return true
		}
	}

	return false
}

// normalizeOrigin lowercases the origin and strips an exact :80 or :443
// suffix so that default-port spellings compare equal.
func normalizeOrigin(origin string) string {
	origin = strings.ToLower(origin)
	origin = strings.TrimSuffix(origin, ":80")
	origin = strings.TrimSuffix(origin, ":443")
	return origin
}

// trimAllSpace returns the s with every whitespace rune removed.
func trimAllSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, s)
}
