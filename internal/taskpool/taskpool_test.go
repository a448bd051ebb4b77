package taskpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/channelserver/internal/models"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	results map[string]struct {
		fd   uint64
		data interface{}
		err  error
	}
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{results: map[string]struct {
		fd   uint64
		data interface{}
		err  error
	}{}}
}

func (f *fakeDeliverer) DeliverTaskResult(fd uint64, correlationID string, data interface{}, taskErr error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[correlationID] = struct {
		fd   uint64
		data interface{}
		err  error
	}{fd, data, taskErr}
	return true
}

func (f *fakeDeliverer) get(correlationID string) (uint64, interface{}, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[correlationID]
	return r.fd, r.data, r.err, ok
}

func TestPool_SubmitRoutesCompletionToOriginFD(t *testing.T) {
	d := newFakeDeliverer()
	p := New(16, d)
	p.Register("heavy.report", func(ctx context.Context, payload []byte) (interface{}, error) {
		return map[string]interface{}{"rows": 1000}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)

	corrID, err := p.Submit(models.TaskEnvelope{Name: "heavy.report", CorrelationID: "c2", OriginFD: 9, HasOrigin: true})
	require.NoError(t, err)
	assert.Equal(t, "c2", corrID)

	require.Eventually(t, func() bool {
		_, _, _, ok := d.get("c2")
		return ok
	}, time.Second, 5*time.Millisecond)

	fd, data, taskErr, _ := d.get("c2")
	assert.Equal(t, uint64(9), fd)
	assert.NoError(t, taskErr)
	assert.Equal(t, 1000, data.(map[string]interface{})["rows"])
}

func TestPool_SubmitAndWait_ReturnsResultSynchronously(t *testing.T) {
	p := New(16, nil)
	p.Register("slow.add", func(ctx context.Context, payload []byte) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	data, err := p.SubmitAndWait(reqCtx, models.TaskEnvelope{Name: "slow.add"})
	require.NoError(t, err)
	assert.Equal(t, 42, data)
}

func TestPool_SubmitAndWait_TimesOutAndStopsWaiting(t *testing.T) {
	p := New(16, nil)
	release := make(chan struct{})
	p.Register("stuck", func(ctx context.Context, payload []byte) (interface{}, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer reqCancel()
	_, err := p.SubmitAndWait(reqCtx, models.TaskEnvelope{Name: "stuck", CorrelationID: "late"})
	require.Error(t, err)

	close(release)
	// The late result must not panic or deadlock now that no waiter remains
	// registered for "late"; give the worker goroutine a moment to finish.
	time.Sleep(20 * time.Millisecond)
}

func TestPool_SubmitAndWait_PropagatesHandlerError(t *testing.T) {
	p := New(16, nil)
	p.Register("boom", func(ctx context.Context, payload []byte) (interface{}, error) {
		return nil, errors.New("handler exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	_, err := p.SubmitAndWait(reqCtx, models.TaskEnvelope{Name: "boom"})
	require.Error(t, err)
}

func TestPool_NoOriginAndNoWaiter_DiscardsResult(t *testing.T) {
	p := New(16, nil)
	p.Register("fire.and.forget", func(ctx context.Context, payload []byte) (interface{}, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1)

	_, err := p.Submit(models.TaskEnvelope{Name: "fire.and.forget"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // nothing should panic; discard path is silent
}

func TestPool_Submit_RejectsWhenQueueFull(t *testing.T) {
	p := New(1, nil)
	block := make(chan struct{})
	p.Register("blocker", func(ctx context.Context, payload []byte) (interface{}, error) {
		<-block
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 1) // single worker, immediately busy

	_, err := p.Submit(models.TaskEnvelope{Name: "blocker", CorrelationID: "a"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // let the worker pick it up, emptying the channel

	_, err = p.Submit(models.TaskEnvelope{Name: "blocker", CorrelationID: "b"})
	require.NoError(t, err) // queue capacity 1, now holds "b"

	_, err = p.Submit(models.TaskEnvelope{Name: "blocker", CorrelationID: "c"})
	require.Error(t, err) // queue full: worker busy on "a", slot "b" occupied

	close(block)
}
