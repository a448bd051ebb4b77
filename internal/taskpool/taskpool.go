// Package taskpool implements the Task Worker Pool and correlation bus
// (spec.md §4.6): a bounded set of goroutines dedicated to blocking/long
// work, fed by a name -> handler map established at startup. A submission
// carries an optional origin FD; completion is routed back to the owning
// WebSocket connection by correlation id, or, for a synchronous HTTP caller,
// handed back directly to the goroutine that is still holding the request
// open.
//
// A bounded buffered channel holds queued envelopes and a fixed set of
// worker goroutines drains it, the same consumer-group shape any
// channel-backed worker pool uses to fan one queue out across N workers.
package taskpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/logger"
	"github.com/relaygate/channelserver/internal/models"
)

// Handler runs one task by name and returns the data to relay back, or an
// error. Handlers are registered by name with Register, normally before
// Start; a worker looks up each task's handler by name when it picks the
// task up.
type Handler func(ctx context.Context, payload []byte) (interface{}, error)

// Deliverer relays a completed task back to its originating WebSocket
// connection. internal/wsconn.Manager implements this; it is declared here
// (rather than imported) to avoid wsconn depending on taskpool and vice
// versa.
type Deliverer interface {
	DeliverTaskResult(fd uint64, correlationID string, data interface{}, taskErr error) bool
}

// DefaultQueueCapacity bounds how many TaskEnvelopes may be queued before
// Submit starts rejecting with ResourceExhaustion, mirroring the shared
// tables' fixed-capacity, no-silent-growth posture (spec.md §3).
const DefaultQueueCapacity = 4096

type waiter struct {
	ch chan models.TaskResult
}

// Pool is the Task Worker Pool. One Pool instance serves the whole process;
// Start spawns the fixed goroutine set that drains it.
type Pool struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	tasks     chan models.TaskEnvelope
	deliverer Deliverer

	waitersMu sync.Mutex
	waiters   map[string]*waiter
}

// New builds a Pool with the given queue capacity (0 uses
// DefaultQueueCapacity) and deliverer for WS-originated completions.
func New(queueCapacity int, deliverer Deliverer) *Pool {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Pool{
		handlers:  make(map[string]Handler),
		tasks:     make(chan models.TaskEnvelope, queueCapacity),
		deliverer: deliverer,
		waiters:   make(map[string]*waiter),
	}
}

// Register binds name to h. Call before Start; registering after workers
// are running is safe but racy against in-flight dispatch of that name.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	p.handlers[name] = h
	p.mu.Unlock()
}

// Start spawns workers goroutines, each pulling from the shared task queue
// until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go p.runWorker(ctx, i)
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, id, env)
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, env models.TaskEnvelope) {
	p.mu.RLock()
	handler, ok := p.handlers[env.Name]
	p.mu.RUnlock()

	var data interface{}
	var err error
	if !ok {
		err = fmt.Errorf("taskpool: no handler registered for task %q", env.Name)
	} else {
		data, err = handler(ctx, env.Payload)
	}

	if err != nil {
		logger.Task().Error().Err(err).Str("task", env.Name).Int("worker", workerID).
			Str("correlation_id", env.CorrelationID).Msg("task failed")
	}

	p.complete(env, data, err)
}

// complete routes a finished task back to whoever is waiting for it: the
// owning WS connection via Deliverer, a synchronous HTTP waiter via its
// result channel, or neither, in which case the result is discarded and
// logged (spec.md §4.6: "tasks that outlive their originating connection
// log and discard their result").
func (p *Pool) complete(env models.TaskEnvelope, data interface{}, err error) {
	p.waitersMu.Lock()
	w, waiting := p.waiters[env.CorrelationID]
	if waiting {
		delete(p.waiters, env.CorrelationID)
	}
	p.waitersMu.Unlock()

	if waiting {
		w.ch <- models.TaskResult{CorrelationID: env.CorrelationID, OriginFD: env.OriginFD, HasOrigin: env.HasOrigin, Data: data, Err: err}
		return
	}

	if env.HasOrigin && p.deliverer != nil {
		if p.deliverer.DeliverTaskResult(env.OriginFD, env.CorrelationID, data, err) {
			return
		}
	}

	logger.Task().Debug().Str("task", env.Name).Str("correlation_id", env.CorrelationID).
		Msg("task result discarded: no origin connection or waiter left to receive it")
}

// Submit enqueues env for processing. A zero CorrelationID is filled in with
// a fresh uuid. Returns apperror.Exhausted if the queue is at capacity.
func (p *Pool) Submit(env models.TaskEnvelope) (string, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	select {
	case p.tasks <- env:
		return env.CorrelationID, nil
	default:
		return "", apperror.Exhausted("task queue at capacity")
	}
}

// SubmitAndWait enqueues env and blocks until its result arrives or ctx is
// done, for HTTP handlers that hold the request open across an offloaded
// task (spec.md §4.6: "for purely HTTP flows, holds the HTTP response open
// ... until the correlated result arrives"). On ctx expiry the waiter is
// torn down so a late result falls through to the discard-and-log path
// instead of leaking.
func (p *Pool) SubmitAndWait(ctx context.Context, env models.TaskEnvelope) (interface{}, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}

	w := &waiter{ch: make(chan models.TaskResult, 1)}
	p.waitersMu.Lock()
	p.waiters[env.CorrelationID] = w
	p.waitersMu.Unlock()

	select {
	case p.tasks <- env:
	default:
		p.waitersMu.Lock()
		delete(p.waiters, env.CorrelationID)
		p.waitersMu.Unlock()
		return nil, apperror.Exhausted("task queue at capacity")
	}

	select {
	case result := <-w.ch:
		if result.Err != nil {
			return nil, apperror.Handler(result.Err)
		}
		return result.Data, nil
	case <-ctx.Done():
		p.waitersMu.Lock()
		delete(p.waiters, env.CorrelationID)
		p.waitersMu.Unlock()
		return nil, apperror.Transport("task did not complete before the request timed out")
	}
}

// QueueDepth reports how many envelopes are currently queued.
func (p *Pool) QueueDepth() int { return len(p.tasks) }
