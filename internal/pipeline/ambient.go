package pipeline

import (
	"context"

	"github.com/relaygate/channelserver/internal/models"
)

type ctxKey struct{}

// WithRequestContext attaches rc to ctx as a context.Context value. This is
// the idiomatic Go stand-in for the source's thread-local superglobal: every
// logical request carries its own ctx, so two requests interleaved on the
// same goroutine-pool worker never share a slot one can bleed into the
// other through (spec.md §9, testable property 1).
func WithRequestContext(ctx context.Context, rc *models.RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext carried by ctx, if any. Handlers
// that need the ambient request state reach for this instead of a
// package-level variable.
func FromContext(ctx context.Context) (*models.RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*models.RequestContext)
	return rc, ok
}
