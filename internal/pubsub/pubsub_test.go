package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/channelserver/internal/sharedtables"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []struct {
		fd      uint64
		channel string
		payload interface{}
	}
}

func (f *fakeDeliverer) Deliver(fd uint64, channel string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, struct {
		fd      uint64
		channel string
		payload interface{}
	}{fd, channel, payload})
	return true
}

func TestPublisher_NoNATSConfigured_StillDeliversLocally(t *testing.T) {
	subs := sharedtables.NewSubscriptions()
	require.NoError(t, subs.Subscribe("room-1", 10))
	require.NoError(t, subs.Subscribe("room-1", 20))
	require.NoError(t, subs.Subscribe("room-2", 30))

	d := &fakeDeliverer{}
	p, err := New(Config{}, subs, d)
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	require.NoError(t, p.Publish("room-1", map[string]interface{}{"hello": "world"}))

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.delivered, 2)
	fds := map[uint64]bool{d.delivered[0].fd: true, d.delivered[1].fd: true}
	assert.True(t, fds[10])
	assert.True(t, fds[20])
}

func TestPublisher_PublishToChannelWithNoSubscribers_IsANoop(t *testing.T) {
	subs := sharedtables.NewSubscriptions()
	d := &fakeDeliverer{}
	p, err := New(Config{}, subs, d)
	require.NoError(t, err)

	require.NoError(t, p.Publish("empty-room", "payload"))
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.delivered)
}

func TestPublisher_CloseWithoutNATS_DoesNotPanic(t *testing.T) {
	p, err := New(Config{}, sharedtables.NewSubscriptions(), &fakeDeliverer{})
	require.NoError(t, err)
	p.Close()
}
