package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/config"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/pipeline"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

type allowAllProfile struct{}

func (allowAllProfile) CanAccessScope(int64) bool   { return true }
func (allowAllProfile) DefaultScopeEntityID() int64 { return 0 }

type stubLoader struct{}

func (stubLoader) Load(ctx context.Context, profileID int64) (auth.Profile, error) {
	return allowAllProfile{}, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	r := router.New("system-key")
	r.Register([]string{"POST", "GET"}, "/api/echo", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		return rc.Args, nil
	})
	r.Register([]string{"GET"}, "/api/boom", models.ScopePublic, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		panic("business logic exploded")
	})

	v := auth.NewVerifier("secret", "xorkey", "channelserver", true)
	pl := &pipeline.Pipeline{
		Router:      r,
		Verifier:    v,
		AuthTable:   sharedtables.NewAuth(),
		Loader:      stubLoader{},
		Fingerprint: config.FingerprintOff,
	}

	cfg := &config.Config{
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization"},
		TrustProxy:         true,
		RateLimitPerSec:    100,
		RateLimitBurst:     100,
	}
	return New(cfg, pl)
}

func TestGateway_Health(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_DispatchesThroughPipeline(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	// A state-changing request needs a CSRF token first, fetched the same
	// way a browser client would: a prior safe-method request.
	primeResp, err := client.Get(srv.URL + "/api/echo")
	require.NoError(t, err)
	primeResp.Body.Close()
	csrfToken := primeResp.Header.Get(csrfTokenHeader)
	require.NotEmpty(t, csrfToken)

	body, _ := json.Marshal(map[string]interface{}{"hello": "world"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/echo", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfTokenHeader, csrfToken)
	// The CSRF cookie is Secure outside gin debug mode, so the jar does not
	// send it back over this plain-HTTP test server; attach it by hand.
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: csrfToken})

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "world", got["hello"])
}

func TestGateway_UnknownRoute_Returns400InputError(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_HandlerPanic_RecoversAsHandlerFailure(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/boom")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGateway_CORSPreflight_Returns204(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/echo", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Headers", "X-Custom-Header")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "X-Custom-Header", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestGateway_ResponseCarriesSecurityHeaders(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestGateway_BearerAuthenticatedRequest_SkipsCSRF(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Engine)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"x": 1})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/echo", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer not-a-real-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
