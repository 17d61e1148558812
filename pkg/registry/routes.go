package registry

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/uxmcp/uxmcp/pkg/errs"
)

// segment is one compiled element of a route pattern. A param segment
// matches any non-empty path element and captures it.
type segment struct {
	literal string
	param   string
}

// parseRoute compiles a route into segments. Routes must start with "/" and
// placeholders use {name} delimiters covering a whole segment.
func parseRoute(route string) ([]segment, error) {
	if !strings.HasPrefix(route, "/") {
		return nil, errs.ForField("route", "route must start with /")
	}
	parts := strings.Split(strings.Trim(route, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil, errs.ForField("route", "route must have at least one segment")
	}

	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, errs.ForField("route", "route has an empty segment")
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, errs.ForField("route", "route has an unnamed {param} placeholder")
			}
			segs = append(segs, segment{param: name})
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return nil, errs.ForField("route", "route placeholders must span a whole segment")
		}
		segs = append(segs, segment{literal: part})
	}
	return segs, nil
}

// routeParams returns the placeholder names of a parsed route.
func routeParams(segs []segment) []string {
	var out []string
	for _, s := range segs {
		if s.param != "" {
			out = append(out, s.param)
		}
	}
	return out
}

// normalizeRoute collapses placeholder names so that two routes differing
// only in param naming collide.
func normalizeRoute(segs []segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		if s.param != "" {
			b.WriteString("{}")
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String()
}

type routeKey struct {
	method string
	route  string
}

// mountedRoute is one live route table entry. The WaitGroup tracks in-flight
// requests so deactivation can drain them.
type mountedRoute struct {
	serviceID string
	method    string
	pattern   string
	segments  []segment
	inflight  sync.WaitGroup
}

// RouteMatch is one successful dispatch. Release must be called when the
// request finishes so draining unmounts can proceed.
type RouteMatch struct {
	ServiceID  string
	PathParams map[string]string
	release    func()
}

func (m *RouteMatch) Release() {
	if m.release != nil {
		m.release()
		m.release = nil
	}
}

// RouteTable is the copy-on-write map from (method, pattern) to active
// service handlers. Readers never block writers.
type RouteTable struct {
	mu      sync.Mutex
	current atomic.Pointer[map[routeKey]*mountedRoute]
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	t := &RouteTable{}
	empty := make(map[routeKey]*mountedRoute)
	t.current.Store(&empty)
	return t
}

// Mount reserves (method, route) for a service. A collision with another
// mounted route fails with RouteConflict and leaves the table unchanged.
func (t *RouteTable) Mount(serviceID, method, route string) error {
	segs, err := parseRoute(route)
	if err != nil {
		return err
	}
	key := routeKey{method: strings.ToUpper(method), route: normalizeRoute(segs)}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.current.Load()
	if existing, ok := old[key]; ok {
		return errs.Newf(errs.KindRouteConflict, "route %s %s is owned by service %s", method, route, existing.serviceID)
	}

	next := make(map[routeKey]*mountedRoute, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = &mountedRoute{
		serviceID: serviceID,
		method:    key.method,
		pattern:   route,
		segments:  segs,
	}
	t.current.Store(&next)
	return nil
}

// Unmount removes every route owned by the service and returns a drain func
// that blocks until in-flight requests on those routes finish. New requests
// see the route gone as soon as the swap lands; callers must invoke drain
// outside any lock the in-flight handlers might need.
func (t *RouteTable) Unmount(serviceID string) (drain func()) {
	t.mu.Lock()
	old := *t.current.Load()
	var removed []*mountedRoute
	next := make(map[routeKey]*mountedRoute, len(old))
	for k, v := range old {
		if v.serviceID == serviceID {
			removed = append(removed, v)
			continue
		}
		next[k] = v
	}
	t.current.Store(&next)
	t.mu.Unlock()

	return func() {
		for _, r := range removed {
			r.inflight.Wait()
		}
	}
}

// Match resolves a request path to a mounted route. When several routes
// match, the one with a literal at the earliest differing segment wins, so
// /math/add always beats /math/{x}. The returned match holds an in-flight
// reference until released.
func (t *RouteTable) Match(method, path string) (*RouteMatch, bool) {
	routes := *t.current.Load()
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil, false
	}
	method = strings.ToUpper(method)

	var best *mountedRoute
	var bestParams map[string]string
	for _, r := range routes {
		if r.method != method || len(r.segments) != len(parts) {
			continue
		}
		params := make(map[string]string)
		ok := true
		for i, seg := range r.segments {
			if seg.param != "" {
				params[seg.param] = parts[i]
				continue
			}
			if seg.literal != parts[i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if best == nil || morePrecise(r.segments, best.segments) {
			best = r
			bestParams = params
		}
	}
	if best == nil {
		return nil, false
	}
	best.inflight.Add(1)
	return &RouteMatch{
		ServiceID:  best.serviceID,
		PathParams: bestParams,
		release:    func() { best.inflight.Done() },
	}, true
}

// morePrecise reports whether route a outranks route b for dispatch: at the
// first segment where one is literal and the other a param, the literal
// wins. Equal-length routes with identical shapes cannot both be mounted, so
// the ordering is total among candidates for one path.
func morePrecise(a, b []segment) bool {
	for i := range a {
		aLit := a[i].param == ""
		bLit := b[i].param == ""
		if aLit != bLit {
			return aLit
		}
	}
	return false
}

// Owner reports which service owns (method, route), if any.
func (t *RouteTable) Owner(method, route string) (string, bool) {
	segs, err := parseRoute(route)
	if err != nil {
		return "", false
	}
	key := routeKey{method: strings.ToUpper(method), route: normalizeRoute(segs)}
	routes := *t.current.Load()
	r, ok := routes[key]
	if !ok {
		return "", false
	}
	return r.serviceID, true
}

// Len reports the number of mounted routes.
func (t *RouteTable) Len() int {
	return len(*t.current.Load())
}
