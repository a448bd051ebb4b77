// Package httpgateway implements the HTTP half of the dual transport
// (spec.md §4): the same routes the Connection Manager serves over
// WebSocket frames, served here as ordinary request/response over gin.
//
// A middleware chain (request id, structured access log, gzip, size
// limits, timeout, security headers, CSRF) runs ahead of a single
// catch-all handler that reduces a gin.Context into a pipeline.RawRequest
// and runs it through the same unified request pipeline internal/wsconn
// uses, so a route definition never needs to know which transport carried
// it.
package httpgateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/config"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/pipeline"
	"github.com/relaygate/channelserver/internal/wsconn"
)

// Gateway is the gin-based HTTP surface.
type Gateway struct {
	Engine   *gin.Engine
	Pipeline *pipeline.Pipeline
}

// New builds a Gateway with the full adapted middleware chain installed and
// a catch-all route dispatching every request through pl.
func New(cfg *config.Config, pl *pipeline.Pipeline) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	if !cfg.TrustProxy {
		// Without this, gin derives ClientIP() from X-Forwarded-For, which
		// a direct, non-proxied caller can set to anything it likes.
		_ = e.SetTrustedProxies(nil)
	}
	e.Use(gin.Recovery())
	e.Use(RequestID())
	e.Use(AccessLog())
	e.Use(SecurityHeaders())
	e.Use(CORS(cfg))
	e.Use(NewIPRateLimiter(cfg.RateLimitPerSec, int(cfg.RateLimitBurst)).Middleware())
	e.Use(GzipWithExclusions(BestSpeed, []string{wsconn.RoutePath}))
	e.Use(DefaultSizeLimiter())
	e.Use(Timeout(DefaultTimeoutConfig(wsconn.RoutePath)))
	e.Use(CSRFProtection())

	g := &Gateway{Engine: e, Pipeline: pl}
	e.GET("/health", g.handleHealth)
	e.NoRoute(g.dispatch)
	return g
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// dispatch reduces the request into a pipeline.RawRequest and runs it
// through the same nine-step flow the WebSocket transport uses, then
// writes the result as JSON.
func (g *Gateway) dispatch(c *gin.Context) {
	body, err := readJSONBody(c)
	if err != nil {
		writeError(c, apperror.Input("malformed JSON body"))
		return
	}

	raw := pipeline.RawRequest{
		Method:        c.Request.Method,
		URI:           c.Request.URL.RequestURI(),
		Headers:       c.Request.Header,
		Body:          body,
		RemoteAddr:    c.ClientIP(),
		Transport:     models.TransportHTTP,
		CorrelationID: GetRequestID(c),
	}
	if tok, ok := body["token"].(string); ok {
		raw.Token = tok
	}
	if meta, ok := body["meta"].(map[string]interface{}); ok {
		if fp, ok := meta["fingerprint"].(string); ok {
			raw.Fingerprint = fp
		}
	}

	_, data, err := g.Pipeline.Process(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func readJSONBody(c *gin.Context) (map[string]interface{}, error) {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return map[string]interface{}{}, nil
	}
	var body map[string]interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		if err == io.EOF {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

// writeError maps an error into the matching JSON response and status
// code. A non-AppError is wrapped the same way pipeline.dispatch does,
// so a bug surfaced here never leaks its message to the caller.
func writeError(c *gin.Context, err error) {
	appErr, ok := err.(*apperror.AppError)
	if !ok {
		appErr = apperror.Handler(err)
	}
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}
