// Package handlers provides a handful of illustrative business endpoints
// registered through internal/router. spec.md §1 names business endpoint
// handlers as an external collaborator this spec does not own ("this spec
// defines what they may observe and emit, not what they compute"); these
// exist only to give the Router, Task Worker Pool and Pub/Sub Publisher a
// concrete caller to dispatch to, the way a deployment's real handlers
// would. They are not part of the gateway's CORE.
package handlers

import (
	"context"
	"fmt"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/pubsub"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/taskpool"
)

// Register wires the example routes into r. Call once at startup, after
// the pool and publisher are constructed.
func Register(r *router.Router, pool *taskpool.Pool, publisher *pubsub.Publisher) {
	r.Register([]string{"POST"}, "/api/channels/:channel/publish", models.ScopePrivate, publishHandler(publisher))
	r.Register([]string{"POST"}, "/api/reports/heavy", models.ScopePrivate, heavyReportHandler(pool))
	r.Register([]string{"GET"}, "/api/whoami", models.ScopePublic, whoamiHandler)
}

// publishHandler lets an authenticated caller publish an arbitrary JSON
// body to a channel by name, exercising the Pub/Sub Publisher (spec.md
// §4.8) from an ordinary request instead of only from internal callers.
func publishHandler(publisher *pubsub.Publisher) router.Handler {
	return func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		channel, _ := rc.Query["channel"].(string)
		if channel == "" {
			return nil, apperror.Input("missing channel path parameter")
		}
		if err := publisher.Publish(channel, rc.Body); err != nil {
			return nil, apperror.Handler(fmt.Errorf("publish to %q: %w", channel, err))
		}
		return map[string]interface{}{"channel": channel, "published": true}, nil
	}
}

// heavyReportHandler offloads a blocking report-generation task to the
// Task Worker Pool and waits for the correlated result, demonstrating the
// synchronous-HTTP half of spec.md §4.6's completion contract (routing a
// result to an origin FD through a Deliverer is covered by
// internal/taskpool's tests).
func heavyReportHandler(pool *taskpool.Pool) router.Handler {
	return func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		days, _ := rc.Args["days"].(float64)
		if days <= 0 {
			days = 30
		}
		result, err := pool.SubmitAndWait(ctx, models.TaskEnvelope{
			Name:          "heavy.report",
			Payload:       []byte(fmt.Sprintf(`{"days":%d}`, int(days))),
			CorrelationID: rc.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// whoamiHandler returns whatever the pipeline resolved for the caller,
// illustrating that a PUBLIC route still observes an authenticated
// profile when one was resolved (spec.md §4.2 step 6).
func whoamiHandler(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	return map[string]interface{}{
		"authenticated":   rc.AccountID != 0,
		"account_id":      rc.AccountID,
		"profile_id":      rc.ProfileID,
		"scope_entity_id": rc.ScopeEntityID,
		"transport":       rc.Transport,
	}, nil
}
