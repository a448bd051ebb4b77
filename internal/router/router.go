// Package router implements the gateway's transport-agnostic route table:
// one registration surface, dispatched identically whether the request
// arrived over HTTP or a WebSocket api frame.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/models"
)

// Handler is a business endpoint. It receives the hydrated RequestContext
// and returns the data to serialize, or an *apperror.AppError.
type Handler func(ctx context.Context, rc *models.RequestContext) (interface{}, error)

type route struct {
	methods map[string]struct{}
	path    string // may contain ':' params or trailing '*' wildcard segment
	handler Handler
	scope   models.Scope
}

// Router is the single route table shared by the HTTP gateway and the
// WebSocket connection manager. currentTransport/currentUserPermissions
// are per-dispatch, not package state, carried on the RequestContext
// instead so concurrent dispatches on the same goroutine never collide.
type Router struct {
	mu        sync.RWMutex
	routes    []*route
	systemKey string
}

func New(systemKey string) *Router {
	return &Router{systemKey: systemKey}
}

// Register records an entry for the given HTTP methods and path pattern.
// Path segments prefixed with ':' are params; a trailing "*" segment
// matches any remaining suffix. scope is one of the four models.Scope
// constants.
func (r *Router) Register(methods []string, path string, scope models.Scope, handler Handler) {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	r.mu.Lock()
	r.routes = append(r.routes, &route{methods: set, path: path, handler: handler, scope: scope})
	// Longest wildcard-free prefix wins ties, so keep routes ordered by
	// descending static-prefix length; dispatch just takes the first match.
	sort.SliceStable(r.routes, func(i, j int) bool {
		return staticPrefixLen(r.routes[i].path) > staticPrefixLen(r.routes[j].path)
	})
	r.mu.Unlock()
}

// staticPrefixLen returns the length of the path up to its first param or
// wildcard segment, used to rank routes by specificity.
func staticPrefixLen(path string) int {
	for i, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, ":") || seg == "*" {
			return i
		}
	}
	return len(strings.Split(path, "/"))
}

// Match finds the most specific registered route for method+path and
// extracts any params. Returns nil if nothing matches.
func (r *Router) Match(method, path string) (*route, map[string]string) {
	method = strings.ToUpper(method)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if _, ok := rt.methods[method]; !ok {
			continue
		}
		if params, ok := matchPath(rt.path, path); ok {
			return rt, params
		}
	}
	return nil, nil
}

func matchPath(pattern, path string) (map[string]string, bool) {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	uSegs := strings.Split(strings.Trim(path, "/"), "/")
	params := map[string]string{}

	for i, seg := range pSegs {
		if seg == "*" {
			return params, true
		}
		if i >= len(uSegs) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = uSegs[i]
			continue
		}
		if seg != uSegs[i] {
			return nil, false
		}
	}
	return params, len(pSegs) == len(uSegs)
}

// Dispatch matches, checks scope, runs the handler, and returns the result.
// rc carries Permissions (pattern -> granted scope), RemoteAddr and
// Headers so the SYSTEM-route check can consult X-System-Key / loopback.
func (r *Router) Dispatch(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	rt, params := r.Match(rc.Method, rc.Path)
	if rt == nil {
		return nil, apperror.Input("no route matches " + rc.Method + " " + rc.Path)
	}

	if !r.scopeGranted(rt.scope, rc) {
		return nil, apperror.Policy("insufficient scope for this route")
	}
	if rt.scope == models.ScopeSystem && !r.systemAuthorized(rc) {
		return nil, apperror.Policy("SYSTEM route requires X-System-Key or loopback origin")
	}

	if rc.Query == nil {
		rc.Query = map[string]interface{}{}
	}
	for k, v := range params {
		rc.Query[k] = v
	}

	return rt.handler(ctx, rc)
}

// scopeGranted checks the permissions map computed from the caller's
// profile roles: a pattern matches the URI and its granted scope is ≥ the
// handler's declared scope. "*" is the catch-all pattern.
func (r *Router) scopeGranted(required models.Scope, rc *models.RequestContext) bool {
	if required == models.ScopePublic {
		return true
	}
	best := models.ScopePublic
	for pattern, granted := range rc.Permissions {
		if pattern == "*" || patternMatches(pattern, rc.Path) {
			if granted > best {
				best = granted
			}
		}
	}
	return best >= required
}

func patternMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (r *Router) systemAuthorized(rc *models.RequestContext) bool {
	if isLoopback(rc.RemoteAddr) {
		return true
	}
	key := rc.Headers.Get("X-System-Key")
	return key != "" && r.systemKey != "" && auth.ConstantTimeEqual(key, r.systemKey)
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		host = addr[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
