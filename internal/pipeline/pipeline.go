// Package pipeline implements the unified request pipeline (spec.md §4.2):
// the nine-step flow that makes one route definition reachable identically
// over an HTTP request and a WebSocket "api" frame. internal/wsconn and
// internal/httpgateway both reduce their native request shape into a
// pipeline.RawRequest and call Process; everything downstream of that call
// (auth resolution, fingerprint binding, router dispatch, error mapping)
// is transport-agnostic.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/config"
	"github.com/relaygate/channelserver/internal/logger"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

// PermissionsResolver computes the pattern -> granted-scope map a profile's
// roles confer. Hydrating roles from a profile/account store is an
// out-of-scope external collaborator (spec.md §1); the pipeline only
// depends on this narrow interface.
type PermissionsResolver interface {
	Resolve(ctx context.Context, profileID int64) map[string]models.Scope
}

// Pipeline wires the Router, JWT Verifier and shared Auth table into the
// nine-step flow. One Pipeline is shared by every event-worker goroutine;
// Process allocates a fresh *models.RequestContext per call so concurrent
// requests never share mutable state.
type Pipeline struct {
	Router      *router.Router
	Verifier    *auth.Verifier
	AuthTable   *sharedtables.Auth
	Loader      auth.ProfileLoader
	Permissions PermissionsResolver
	Fingerprint config.FingerprintMode
	Hasher      *auth.TokenHasher
}

// RawRequest is the transport-neutral shape the WS dispatcher and the HTTP
// gateway each reduce their native request into before calling Process.
type RawRequest struct {
	Method        string
	URI           string                 // full path, possibly with a query string
	Headers       http.Header
	Body          map[string]interface{}
	Query         map[string]interface{} // explicit query map; wins over URI's own query string
	RemoteAddr    string
	Transport     models.Transport
	CorrelationID string
	FD            uint64
	HasFD         bool
	Token         string // explicit override token (WS "token" field / HTTP body "token")
	Fingerprint   string // meta.fingerprint
}

// Process runs the nine-step pipeline and returns the hydrated
// RequestContext alongside the handler's result or error. Emitting the
// transport-specific response (step 9) is the caller's job; Process's
// contract ends at "here is the data/err and the context that produced it."
func (p *Pipeline) Process(ctx context.Context, raw RawRequest) (*models.RequestContext, interface{}, error) {
	rc := &models.RequestContext{
		Method:        strings.ToUpper(raw.Method),
		Headers:       raw.Headers,
		RemoteAddr:    raw.RemoteAddr,
		Transport:     raw.Transport,
		CorrelationID: raw.CorrelationID,
		FD:            raw.FD,
		HasFD:         raw.HasFD,
		Body:          raw.Body,
	}
	if rc.Headers == nil {
		rc.Headers = http.Header{}
	}

	// Step 1: parse the raw URI; an explicit query map wins over anything
	// the URI's own query string carries.
	rc.Path, rc.Query = splitURI(raw.URI, raw.Query)
	rc.URI = raw.URI

	// Steps 2-3: snapshot ambient state / reset profile state. A fresh rc
	// per call already isolates this logical request; attaching it to ctx
	// (rather than a package-level variable) is what lets a handler read
	// "the current request" without two interleaved requests on the same
	// goroutine-pool worker ever observing each other's hydration.
	ctx = WithRequestContext(ctx, rc)

	// Step 4 is done above: method/headers/body/query/remote-addr are
	// already on rc by construction.

	// Step 5: named-argument container so handlers read typed parameters
	// the same way regardless of verb or transport. Query first, body
	// overrides, since a POST body field of the same name as a query param
	// reflects the caller's more specific intent.
	rc.Args = buildArgs(rc)

	// Step 6: resolve a bearer token and verify it.
	p.hydrateAuth(ctx, rc, raw)

	// Step 7: device-fingerprint cross-check.
	if err := p.checkFingerprint(rc, raw.Fingerprint); err != nil {
		return rc, nil, err
	}

	// Step 8: dispatch through the router, recovering a handler panic into
	// a HandlerFailure instead of taking down the owning goroutine.
	data, err := p.dispatch(ctx, rc)
	return rc, data, err
}

func splitURI(raw string, explicitQuery map[string]interface{}) (string, map[string]interface{}) {
	path := raw
	parsed := map[string]interface{}{}

	if i := strings.IndexByte(raw, '?'); i >= 0 {
		path = raw[:i]
		if values, err := url.ParseQuery(raw[i+1:]); err == nil {
			for k, v := range values {
				if len(v) > 0 {
					parsed[k] = v[0]
				}
			}
		}
	}

	if len(explicitQuery) == 0 {
		return path, parsed
	}
	merged := make(map[string]interface{}, len(parsed)+len(explicitQuery))
	for k, v := range parsed {
		merged[k] = v
	}
	for k, v := range explicitQuery {
		merged[k] = v
	}
	return path, merged
}

func buildArgs(rc *models.RequestContext) map[string]interface{} {
	args := make(map[string]interface{}, len(rc.Query)+len(rc.Body))
	for k, v := range rc.Query {
		args[k] = v
	}
	for k, v := range rc.Body {
		args[k] = v
	}
	return args
}

// hydrateAuth implements step 6: prefer the already-bound AuthEntry for
// this FD (WS connections re-auth explicitly via the "auth" message, not on
// every frame), else an Authorization: Bearer header, else the bnxt
// cookie, else an explicit token field in the payload.
func (p *Pipeline) hydrateAuth(ctx context.Context, rc *models.RequestContext, raw RawRequest) {
	if raw.HasFD && p.AuthTable != nil {
		if row, ok := p.AuthTable.Get(raw.FD); ok {
			rc.Authenticated = true
			rc.AccountID = row.AccountID
			rc.ProfileID = row.ProfileID
			rc.ScopeEntityID = row.ScopeEntityID
			rc.DeviceHash = row.DeviceHash
			rc.Permissions = p.resolvePermissions(ctx, row.ProfileID)
			return
		}
	}

	token := resolveToken(rc, raw)
	if token == "" {
		return
	}

	identity, err := p.Verifier.VerifyAndLoad(ctx, token, rc.RemoteAddr, p.Loader)
	if err != nil {
		// AuthError: a single failed resolution leaves the connection open
		// and unauthenticated; it is not reported here unless the caller
		// is an explicit "auth" attempt (wsconn handles that path itself).
		return
	}
	rc.Authenticated = true
	rc.AccountID = identity.AccountID
	rc.ProfileID = identity.ProfileID
	rc.ScopeEntityID = identity.ScopeEntityID
	rc.DeviceHash = identity.DeviceHash
	rc.Permissions = p.resolvePermissions(ctx, identity.ProfileID)
}

func (p *Pipeline) resolvePermissions(ctx context.Context, profileID int64) map[string]models.Scope {
	if p.Permissions == nil {
		return nil
	}
	return p.Permissions.Resolve(ctx, profileID)
}

func resolveToken(rc *models.RequestContext, raw RawRequest) string {
	if bearer := rc.Headers.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	if cookie := rc.Headers.Get("Cookie"); cookie != "" {
		if tok, ok := extractCookie(cookie, "bnxt"); ok {
			return tok
		}
	}
	return raw.Token
}

func extractCookie(header, name string) (string, bool) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if ok && k == name {
			return v, true
		}
	}
	return "", false
}

// checkFingerprint implements step 7. meta.fingerprint is hashed the same
// way the device hash stored on AuthEntry was derived, so the two are
// comparable regardless of whether the caller is resending the raw
// fingerprint used at auth time or a value computed fresh this request.
func (p *Pipeline) checkFingerprint(rc *models.RequestContext, fingerprint string) error {
	if rc.DeviceHash == "" || fingerprint == "" || p.Fingerprint == config.FingerprintOff {
		return nil
	}
	hasher := p.Hasher
	if hasher == nil {
		hasher = auth.NewTokenHasher()
	}
	if hasher.HashDeviceFingerprint(fingerprint) == rc.DeviceHash {
		return nil
	}

	logger.Security().Warn().
		Int64("account_id", rc.AccountID).
		Str("uri", rc.URI).
		Msg("device fingerprint mismatch")

	if p.Fingerprint == config.FingerprintStrict {
		return apperror.PolicyEvent("device_mismatch", "device fingerprint does not match bound device_hash")
	}
	return nil // log mode: warn only, request proceeds
}

// dispatch implements step 8, recovering a handler panic into the generic
// HandlerFailure response spec.md §4.2/§7 requires: no stack trace crosses
// the boundary, the client only ever sees "Request failed."
func (p *Pipeline) dispatch(ctx context.Context, rc *models.RequestContext) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WebSocket().Error().Interface("panic", r).Str("uri", rc.URI).Msg("handler panic recovered")
			data, err = nil, apperror.Handler(fmt.Errorf("%v", r))
		}
	}()

	data, err = p.Router.Dispatch(ctx, rc)
	if err != nil {
		if _, ok := err.(*apperror.AppError); !ok {
			logger.WebSocket().Error().Err(err).Str("uri", rc.URI).Msg("handler failure")
			err = apperror.Handler(err)
		}
	}
	return data, err
}
