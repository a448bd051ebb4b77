package pipeline

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/config"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

func newTestPipeline(t *testing.T) (*Pipeline, *router.Router) {
	t.Helper()
	r := router.New("system-key")
	v := auth.NewVerifier("secret", "xorkey", "channelserver", false)
	return &Pipeline{
		Router:      r,
		Verifier:    v,
		AuthTable:   sharedtables.NewAuth(),
		Fingerprint: config.FingerprintStrict,
	}, r
}

func TestPipeline_URIQueryParsing_ExplicitWins(t *testing.T) {
	p, r := newTestPipeline(t)
	r.Register([]string{"GET"}, "/api/units/list.json", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		return rc.Query, nil
	})

	rc, data, err := p.Process(context.Background(), RawRequest{
		Method:        "GET",
		URI:           "/api/units/list.json?page=2&limit=50",
		Query:         map[string]interface{}{"limit": 10},
		CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", rc.CorrelationID)

	q := data.(map[string]interface{})
	assert.Equal(t, "2", q["page"])
	assert.Equal(t, 10, q["limit"]) // explicit query wins over the URI's own
}

func TestPipeline_Isolation_ConcurrentRequestsDontBleed(t *testing.T) {
	p, r := newTestPipeline(t)

	var mu sync.Mutex
	seen := map[string]bool{}

	r.Register([]string{"GET"}, "/api/echo/:id", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		self, ok := FromContext(ctx)
		if !ok {
			return nil, apperror.Input("no ambient request")
		}
		id := rc.Query["id"]
		time.Sleep(time.Millisecond) // give other goroutines a chance to interleave
		mu.Lock()
		seen[self.CorrelationID] = self.CorrelationID == rc.CorrelationID
		mu.Unlock()
		return id, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := p.Process(context.Background(), RawRequest{
				Method:        "GET",
				URI:           "/api/echo/x",
				CorrelationID: "corr-" + string(rune('a'+n%26)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for corrID, matched := range seen {
		assert.True(t, matched, "ambient context bled across requests for %s", corrID)
	}
}

func TestPipeline_DeviceMismatchStrict_BlocksHandler(t *testing.T) {
	p, r := newTestPipeline(t)
	hasher := auth.NewTokenHasher()
	p.Hasher = hasher

	called := false
	r.Register([]string{"GET"}, "/api/whatever", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		called = true
		return nil, nil
	})

	// Simulate an already-bound AuthEntry carrying a device hash.
	p.AuthTable.Put(7, sharedtables.AuthRow{AccountID: 1, DeviceHash: hasher.HashDeviceFingerprint("known-device")})

	_, _, err := p.Process(context.Background(), RawRequest{
		Method:      "GET",
		URI:         "/api/whatever",
		HasFD:       true,
		FD:          7,
		Fingerprint: "different-device",
	})
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, "device_mismatch", appErr.Event)
	assert.False(t, called, "handler must not run on a strict-mode fingerprint mismatch")
}

func TestPipeline_DeviceMismatchLogMode_StillDispatches(t *testing.T) {
	p, r := newTestPipeline(t)
	p.Fingerprint = config.FingerprintLog
	hasher := auth.NewTokenHasher()
	p.Hasher = hasher

	called := false
	r.Register([]string{"GET"}, "/api/whatever", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		called = true
		return "ok", nil
	})
	p.AuthTable.Put(7, sharedtables.AuthRow{AccountID: 1, DeviceHash: hasher.HashDeviceFingerprint("known-device")})

	_, data, err := p.Process(context.Background(), RawRequest{
		Method:      "GET",
		URI:         "/api/whatever",
		HasFD:       true,
		FD:          7,
		Fingerprint: "different-device",
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", data)
}

func TestPipeline_HandlerPanicBecomesGenericHandlerFailure(t *testing.T) {
	p, r := newTestPipeline(t)
	r.Register([]string{"GET"}, "/api/boom", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		panic("kaboom: leaked internal detail")
	})

	_, _, err := p.Process(context.Background(), RawRequest{Method: "GET", URI: "/api/boom"})
	require.Error(t, err)
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok)
	assert.Equal(t, apperror.KindHandler, appErr.Kind)
	assert.NotContains(t, appErr.Message, "kaboom")
}

func TestPipeline_BearerHeaderResolvesToken(t *testing.T) {
	p, r := newTestPipeline(t)
	var gotAccountID int64
	r.Register([]string{"GET"}, "/api/me", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		gotAccountID = rc.AccountID
		return nil, nil
	})

	tok, err := p.Verifier.Sign(auth.Claims{AccountID: 55, IssuingIP: "1.2.3.4"}, time.Minute)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	_, _, err = p.Process(context.Background(), RawRequest{
		Method:     "GET",
		URI:        "/api/me",
		Headers:    h,
		RemoteAddr: "1.2.3.4",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(55), gotAccountID)
}
