// Package ratelimit implements the per-connection token bucket that gates
// every inbound WebSocket frame (spec.md §4.1) before it reaches the
// unified request pipeline.
//
// The bucket state (tokens, last refill timestamp) lives in the
// RateLimit shared table as two plain float64 columns so any worker can
// read it; golang.org/x/time/rate.Limiter keeps its bucket state private
// and can't be marshaled into that row shape, so the refill math here is
// done by hand against the table's own columns. x/time/rate still backs
// the coarser per-IP limiter in internal/httpgateway, where no shared-row
// visibility is required.
package ratelimit

import (
	"time"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

// Limiter enforces a token bucket per FD, backed by sharedtables.RateLimit.
type Limiter struct {
	table *sharedtables.RateLimit
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

func New(table *sharedtables.RateLimit, ratePerSec, burst float64) *Limiter {
	return &Limiter{table: table, rate: ratePerSec, burst: burst, now: time.Now}
}

// setClock overrides the injected clock; used by tests that need
// deterministic refill behavior.
func (l *Limiter) setClock(now func() time.Time) { l.now = now }

// Allow refills the FD's bucket for elapsed time and deducts one token.
// Returns apperror.RateLimited() when the bucket is empty; the caller must
// stop processing that frame without further side effects.
func (l *Limiter) Allow(fd uint64) error {
	nowSec := float64(l.now().UnixNano()) / 1e9

	row, ok := l.table.Get(fd)
	if !ok {
		row = sharedtables.RateRow{Tokens: l.burst, LastTS: nowSec}
	}

	elapsed := nowSec - row.LastTS
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := row.Tokens + elapsed*l.rate
	if tokens > l.burst {
		tokens = l.burst
	}

	if tokens < 1.0 {
		// Still persist the refill so a subsequent Allow doesn't double-count
		// the same elapsed window.
		if err := l.table.Put(fd, sharedtables.RateRow{Tokens: tokens, LastTS: nowSec}); err != nil {
			return apperror.Exhausted("rate limit table full")
		}
		return apperror.RateLimited()
	}

	tokens -= 1.0
	if err := l.table.Put(fd, sharedtables.RateRow{Tokens: tokens, LastTS: nowSec}); err != nil {
		return apperror.Exhausted("rate limit table full")
	}
	return nil
}

// Reset drops the FD's bucket, called from onClose cleanup.
func (l *Limiter) Reset(fd uint64) {
	l.table.Delete(fd)
}
