package pirest

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// router errors
var (
	// ErrParamCount is returned by the `Router.AddRoute` when the
	// handler's formal-parameter count does not equal the template's
	// path captures plus query parameters.
	ErrParamCount = errors.New("Number of parameters does not match")

	// ErrBadParams is returned by the `Router.AddRoute` when the
	// template's query-parameter list cannot be parsed.
	ErrBadParams = errors.New("Bad url params")

	// ErrBadTarget is returned by the `Router.Routing` when the request
	// target is not a parsable origin-form URL.
	ErrBadTarget = errors.New("Bad url target")

	// ErrNotFound is returned by the `Router.Routing` when no route
	// matches the request path.
	ErrNotFound = errors.New("Route not found")

	// ErrMethodNotAllowed is returned by the `Router.Routing` when the
	// matched route has no binder for the request method.
	ErrMethodNotAllowed = errors.New("Method not allowed")

	// ErrParamMismatch is returned by the `Router.Routing` when no
	// binder of the matched route satisfies the request's path captures
	// and query parameters.
	ErrParamMismatch = errors.New("Parameter mismatch")
)

// placeholderRegex matches one {name} placeholder of a route template.
var placeholderRegex = regexp.MustCompile(`\{([^/{}]*)\}`)

type (
	// Router is the registry of all registered routes of a `Server` for
	// the request matching, the typed argument parsing and the handler
	// dispatch.
	//
	// Routes are added only before the server begins serving; mutating a
	// `Router` that is being consulted by connections is undefined.
	Router struct {
		routeMap  map[string]*routeItem
		routeList []*routeItem
	}

	// routeItem is the compiled form of one path template: either an
	// exact literal (regex is nil, installed in the `routeMap`) or a
	// case-insensitive anchored regex (appended to the `routeList`). It
	// holds, keyed by method, the ordered binder lists.
	routeItem struct {
		regexPath string
		regex     *regexp.Regexp
		binders   map[string][]*routeBinder
	}

	// routeBinder is one registered handler together with its arity and
	// query-parameter declaration under a single route item.
	routeBinder struct {
		fn            reflect.Value
		pathArgNum    int
		captureParams []string
		argTypes      []reflect.Type
	}
)

// connType is the required first formal parameter of every handler.
var connType = reflect.TypeOf((*Conn)(nil))

// NewRouter returns a new instance of the `Router` with no routes.
func NewRouter() *Router {
	return &Router{
		routeMap: map[string]*routeItem{},
	}
}

// AddRoute registers the handler for the target template and the
// allowedMethods.
//
// The target is path[?k1&k2&…]: the path consists of /-separated literal
// segments, {name} placeholders (the name is informational) and mixed
// literal+placeholder segments; each placeholder captures [^/]* of the
// request path. The query-parameter keys are lowercased at registration.
//
// The handler must be a func whose first parameter is a *Conn, followed by
// one formal per path capture (in order) and one per declared query
// parameter (in order). A pointer-typed formal marks its query parameter as
// optional. The `AddRoute` returns `ErrParamCount` when the formal count
// does not equal path captures plus query parameters.
//
// Registering a second handler whose template compiles to an identical form
// appends a binder to the existing route item; binders under one item are
// tried in registration order, so more specific signatures should be
// registered first.
func (r *Router) AddRoute(
	target string,
	handler interface{},
	allowedMethods []string,
) error {
	path := target
	var captureParams []string
	if pos := strings.IndexByte(target, '?'); pos >= 0 {
		path = target[:pos]
		for _, k := range strings.Split(target[pos+1:], "&") {
			if eq := strings.IndexByte(k, '='); eq >= 0 {
				k = k[:eq]
			}

			k, err := url.QueryUnescape(k)
			if err != nil {
				return ErrBadParams
			}

			captureParams = append(
				captureParams,
				strings.ToLower(k),
			)
		}
	}

	pathArgNum := len(placeholderRegex.FindAllString(path, -1))

	b, err := newRouteBinder(pathArgNum, captureParams, handler)
	if err != nil {
		return err
	}

	replacedPath := placeholderRegex.ReplaceAllString(path, "([^/]*)")

	var item *routeItem
	if replacedPath != path {
		for _, it := range r.routeList {
			if it.regexPath == replacedPath {
				item = it
				break
			}
		}

		if item == nil {
			regex, err := regexp.Compile(
				"(?i)^" + replacedPath + "$",
			)
			if err != nil {
				return err
			}

			item = &routeItem{
				regexPath: replacedPath,
				regex:     regex,
				binders:   map[string][]*routeBinder{},
			}
			r.routeList = append(r.routeList, item)
		}
	} else {
		if item = r.routeMap[path]; item == nil {
			item = &routeItem{
				binders: map[string][]*routeBinder{},
			}
			r.routeMap[path] = item
		}
	}

	for _, method := range allowedMethods {
		method = strings.ToUpper(method)
		item.binders[method] = append(item.binders[method], b)
	}

	return nil
}

// Routing parses the target, matches a route, selects a binder for the
// method, coerces the captured path and query fragments into the handler's
// typed arguments and invokes the handler with the c.
//
// Literal routes are preferred over regex routes; among regex routes the
// earliest registered wins. A handler panic is recovered and surfaces as the
// returned error.
func (r *Router) Routing(c *Conn, method, target string) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", v)
			}
		}
	}()

	if target == "" || target[0] != '/' {
		return ErrBadTarget
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return ErrBadTarget
	}

	var captures []string

	item := r.routeMap[u.Path]
	if item == nil {
		for _, it := range r.routeList {
			if m := it.regex.FindStringSubmatch(u.Path); m != nil {
				item = it
				captures = m[1:]
				break
			}
		}
	}

	if item == nil {
		return ErrNotFound
	}

	binders := item.binders[method]
	if len(binders) == 0 {
		return ErrMethodNotAllowed
	}

	argMap := map[string]string{}
	if u.RawQuery != "" {
		for _, seg := range strings.Split(u.RawQuery, "&") {
			if seg == "" {
				continue
			}

			k, v := seg, ""
			if eq := strings.IndexByte(seg, '='); eq >= 0 {
				k, v = seg[:eq], seg[eq+1:]
			}

			if k, err = url.QueryUnescape(k); err != nil {
				return ErrBadTarget
			}

			if v, err = url.QueryUnescape(v); err != nil {
				return ErrBadTarget
			}

			argMap[strings.ToLower(k)] = v
		}
	}

	for _, b := range binders {
		if b.isMatched(len(captures), argMap) {
			return b.invoke(c, captures, argMap)
		}
	}

	return ErrParamMismatch
}

// newRouteBinder returns a new instance of the `routeBinder`, validating the
// handler's shape against the pathArgNum and the captureParams.
func newRouteBinder(
	pathArgNum int,
	captureParams []string,
	handler interface{},
) (*routeBinder, error) {
	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func {
		return nil, errors.New("pirest: handler must be a function")
	} else if t.IsVariadic() {
		return nil, errors.New("pirest: handler cannot be variadic")
	} else if t.NumOut() != 0 {
		return nil, errors.New(
			"pirest: handler cannot have return values",
		)
	} else if t.NumIn() < 1 || t.In(0) != connType {
		return nil, errors.New(
			"pirest: handler's first parameter must be a *Conn",
		)
	}

	if t.NumIn()-1 != pathArgNum+len(captureParams) {
		return nil, ErrParamCount
	}

	argTypes := make([]reflect.Type, t.NumIn()-1)
	for i := range argTypes {
		at := t.In(i + 1)

		ct := at
		if ct.Kind() == reflect.Ptr {
			ct = ct.Elem()
		}

		if !coercible(ct) {
			return nil, fmt.Errorf(
				"pirest: unsupported handler parameter "+
					"type: %s",
				at,
			)
		}

		argTypes[i] = at
	}

	return &routeBinder{
		fn:            reflect.ValueOf(handler),
		pathArgNum:    pathArgNum,
		captureParams: captureParams,
		argTypes:      argTypes,
	}, nil
}

// isMatched reports whether the b can serve a request that produced the
// pathArgNum path captures and the argMap query parameters: the capture
// counts must be equal and every non-optional declared query parameter must
// be present.
func (b *routeBinder) isMatched(
	pathArgNum int,
	argMap map[string]string,
) bool {
	if pathArgNum != b.pathArgNum {
		return false
	}

	for i := b.pathArgNum; i < len(b.argTypes); i++ {
		if b.argTypes[i].Kind() == reflect.Ptr {
			continue
		}

		if _, ok := argMap[b.captureParams[i-b.pathArgNum]]; !ok {
			return false
		}
	}

	return true
}

// invoke coerces the captures and the argMap into the typed arguments of the
// b and calls the handler with the c.
func (b *routeBinder) invoke(
	c *Conn,
	captures []string,
	argMap map[string]string,
) error {
	args := make([]reflect.Value, 1+len(b.argTypes))
	args[0] = reflect.ValueOf(c)
	for i, at := range b.argTypes {
		var src string
		var present bool
		if i < b.pathArgNum {
			src, present = captures[i], true
		} else {
			src, present = argMap[b.captureParams[i-b.pathArgNum]]
		}

		if at.Kind() == reflect.Ptr {
			if !present {
				args[i+1] = reflect.Zero(at)
				continue
			}

			v, err := coerce(src, at.Elem())
			if err != nil {
				return err
			}

			p := reflect.New(at.Elem())
			p.Elem().Set(v)
			args[i+1] = p
		} else {
			v, err := coerce(src, at)
			if err != nil {
				return err
			}

			args[i+1] = v
		}
	}

	b.fn.Call(args)

	return nil
}

// coercion targets that are not plain kinds
var (
	dateType = reflect.TypeOf(Date{})
	timeType = reflect.TypeOf(time.Time{})
)

// timestampLayouts are the accepted ISO-8601 extended timestamp forms.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// coercible reports whether the t is a recognized coercion target for a
// captured value.
func coercible(t reflect.Type) bool {
	switch t {
	case dateType, timeType:
		return true
	}

	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}

	return false
}

// coerce converts the captured s into a value of the t per the fixed
// coercion table.
func coerce(s string, t reflect.Type) (reflect.Value, error) {
	switch t {
	case dateType:
		d, err := parseDate(s)
		if err != nil {
			return reflect.Value{}, coercionError(s, t)
		}

		return reflect.ValueOf(d), nil
	case timeType:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return reflect.ValueOf(ts), nil
			}
		}

		return reflect.Value{}, coercionError(s, t)
	}

	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		switch {
		case strings.EqualFold(s, "true"):
			v.SetBool(true)
		case strings.EqualFold(s, "false"):
			v.SetBool(false)
		default:
			return reflect.Value{}, coercionError(s, t)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Int64:
		i, err := strconv.ParseInt(s, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(s, t)
		}

		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64:
		i, err := strconv.ParseUint(s, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(s, t)
		}

		v.SetUint(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, t.Bits())
		if err != nil {
			return reflect.Value{}, coercionError(s, t)
		}

		v.SetFloat(f)
	default:
		return reflect.Value{}, coercionError(s, t)
	}

	return v, nil
}

// coercionError returns the dispatch error for the s that cannot be coerced
// into the t.
func coercionError(s string, t reflect.Type) error {
	return fmt.Errorf("bad lexical cast: cannot coerce %q into %s", s, t)
}
