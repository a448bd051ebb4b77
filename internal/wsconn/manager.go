// Package wsconn implements the Connection Manager (spec.md §4.1): accepts
// WebSocket handshakes, validates origin, assigns each session an FD, and
// drives the per-FD lifecycle (open/message/close) including rate limiting,
// the auth-timeout timer, and the channel subscribe/unsubscribe dispatch.
//
// Each accepted connection gets its own goroutine pair: a readPump parsing
// inbound frames and a writePump draining a buffered send channel, the same
// split every gorilla/websocket server uses to keep one writer per socket.
// There is no central hub loop broadcasting to every client; ownership is
// per-FD, so register/unregister only ever touch the one connection and its
// own Connection/AuthEntry rows.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/logger"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/pipeline"
	"github.com/relaygate/channelserver/internal/ratelimit"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

const (
	// RoutePath is the path the gateway mounts the Connection Manager at.
	// internal/httpgateway excludes it from the gzip and request timeout
	// middleware, since it must own the underlying connection for the
	// lifetime of the WebSocket session rather than complete within a
	// request deadline.
	RoutePath = "/api/ws"

	// MaxFrameBytes rejects oversized frames before JSON parsing (spec.md §6).
	MaxFrameBytes = 1 << 20 // 1 MiB
	// SendBufferFrames bounds a connection's outbound queue; a slow reader
	// beyond this is treated as backpressure and dropped.
	SendBufferFrames = 256
	// HeartbeatIdle/HeartbeatPeriod implement spec.md §6's 65s idle / 30s
	// ping cadence.
	HeartbeatIdle   = 65 * time.Second
	HeartbeatPeriod = 30 * time.Second
	writeWait       = 10 * time.Second
)

// conn is one open WebSocket session, keyed by FD.
type conn struct {
	fd         uint64
	ws         *websocket.Conn
	remoteAddr string
	origin     string
	openedAt   time.Time
	send       chan []byte

	mu       sync.Mutex
	channels map[string]struct{} // per-FD reverse index, spec.md §4.1/§9
	closed   bool
	authTmr  *time.Timer
}

// Manager owns every open connection this worker goroutine pool accepted
// and the shared tables it mutates on their behalf.
type Manager struct {
	mu     sync.RWMutex
	conns  map[uint64]*conn
	nextFD uint64

	Subscriptions *sharedtables.Subscriptions
	Auth          *sharedtables.Auth
	Limiter       *ratelimit.Limiter
	Pipeline      *pipeline.Pipeline

	AllowedOrigins []string
	AuthTimeout    time.Duration

	upgrader websocket.Upgrader
}

// New builds a Manager. allowedOrigins empty means no origin restriction
// (spec.md §4.1: "unless absent" already allows non-browser clients through
// regardless of this list).
func New(subs *sharedtables.Subscriptions, authTable *sharedtables.Auth, limiter *ratelimit.Limiter, pl *pipeline.Pipeline, allowedOrigins []string, authTimeout time.Duration) *Manager {
	return &Manager{
		conns:          make(map[uint64]*conn),
		Subscriptions:  subs,
		Auth:           authTable,
		Limiter:        limiter,
		Pipeline:       pl,
		AllowedOrigins: allowedOrigins,
		AuthTimeout:    authTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced in ServeHTTP after the upgrade (it
			// sends a policy-violation close, not merely a refused
			// upgrade), so the upgrader itself accepts everything.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// full lifecycle until it closes. Register this on the gateway's RoutePath.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WebSocket().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	fd := atomic.AddUint64(&m.nextFD, 1)
	c := &conn{
		fd:         fd,
		ws:         ws,
		remoteAddr: r.RemoteAddr,
		origin:     origin,
		openedAt:   time.Now(),
		send:       make(chan []byte, SendBufferFrames),
		channels:   make(map[string]struct{}),
	}

	if !m.originAllowed(origin) {
		logger.WebSocket().Info().Str("origin", origin).Uint64("fd", fd).Msg("closing: origin not allow-listed")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	m.mu.Lock()
	m.conns[fd] = c
	m.mu.Unlock()

	m.onOpen(c)
	go m.writePump(c)
	m.readPump(c) // blocks until the socket closes
	m.onClose(c)
}

func (m *Manager) originAllowed(origin string) bool {
	if origin == "" {
		return true // non-browser client, spec.md §4.1
	}
	if len(m.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range m.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// onOpen sends system.connected and arms the auth-timeout timer.
func (m *Manager) onOpen(c *conn) {
	m.write(c, map[string]interface{}{"type": "system", "event": "connected", "fd": c.fd, "timestamp": time.Now().Unix()})

	c.authTmr = time.AfterFunc(m.AuthTimeout, func() {
		if _, ok := m.Auth.Get(c.fd); ok {
			return // already authenticated; timer is a no-op
		}
		m.writeError(c, "", 401, "authentication timeout")
		m.closeConn(c)
	})
}

// onClose runs in time linear in the number of channels this FD joined: it
// purges the per-FD reverse index instead of scanning the whole Subscriptions table
// (spec.md §4.1, §9).
func (m *Manager) onClose(c *conn) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = nil
	tmr := c.authTmr
	c.mu.Unlock()

	for _, ch := range channels {
		m.Subscriptions.Unsubscribe(ch, c.fd)
	}
	m.Auth.Delete(c.fd)
	m.Limiter.Reset(c.fd)

	m.mu.Lock()
	delete(m.conns, c.fd)
	m.mu.Unlock()

	if tmr != nil {
		tmr.Stop()
	}
	logger.WebSocket().Debug().Uint64("fd", c.fd).Msg("connection closed")
}

func (m *Manager) readPump(c *conn) {
	c.ws.SetReadLimit(MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(HeartbeatIdle))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(HeartbeatIdle))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(HeartbeatIdle))
		m.onMessage(c, raw)
	}
}

func (m *Manager) writePump(c *conn) {
	ticker := time.NewTicker(HeartbeatPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// onMessage is the type-field dispatch table of spec.md §4.1. Rate limiting
// precedes every frame.
func (m *Manager) onMessage(c *conn, raw []byte) {
	if len(raw) > MaxFrameBytes {
		m.writeError(c, "", 400, "frame exceeds maximum size")
		return
	}
	if err := m.Limiter.Allow(c.fd); err != nil {
		m.writeError(c, "", 429, "rate limit exceeded")
		return
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.writeError(c, "", 400, "malformed JSON")
		return
	}

	typRaw, hasType := frame["type"]
	typ, _ := typRaw.(string)
	_, hasRoute := frame["route"]
	_, hasURI := frame["uri"]

	if !hasType && !hasRoute && !hasURI {
		m.writeError(c, "", 400, "missing type field")
		return
	}

	switch typ {
	case "auth":
		m.handleAuth(c, frame)
	case "subscribe":
		m.handleSubscribe(c, frame)
	case "unsubscribe":
		m.handleUnsubscribe(c, frame)
	case "ping":
		m.handlePing(c, frame)
	case "api":
		m.handleAPI(c, frame)
	default:
		// Anything else, or an implicit shape carrying route/uri, forwards
		// to the unified request pipeline (spec.md §4.1 dispatch table).
		m.handleAPI(c, frame)
	}
}

func (m *Manager) handleAuth(c *conn, frame map[string]interface{}) {
	token, _ := frame["token"].(string)

	identity, err := m.Pipeline.Verifier.VerifyAndLoad(context.Background(), token, c.remoteAddr, m.Pipeline.Loader)
	if err != nil {
		m.Auth.Delete(c.fd)
		m.writeError(c, "", 401, "invalid or expired token")
		return
	}

	deviceHash := identity.DeviceHash
	if meta, ok := frame["meta"].(map[string]interface{}); ok && deviceHash == "" {
		if fp, ok := meta["fingerprint"].(string); ok && fp != "" {
			deviceHash = auth.NewTokenHasher().HashDeviceFingerprint(fp)
		}
	}

	if err := m.Auth.Put(c.fd, sharedtables.AuthRow{
		AccountID:     identity.AccountID,
		ProfileID:     identity.ProfileID,
		Token:         token,
		DeviceHash:    deviceHash,
		ScopeEntityID: identity.ScopeEntityID,
	}); err != nil {
		m.writeError(c, "", 503, "auth table full")
		return
	}

	if c.authTmr != nil {
		c.authTmr.Stop()
	}

	m.write(c, map[string]interface{}{
		"type": "authenticated", "profile_id": identity.ProfileID,
		"scope_entity_id": identity.ScopeEntityID, "timestamp": time.Now().Unix(),
	})
}

func (m *Manager) handleSubscribe(c *conn, frame map[string]interface{}) {
	if _, ok := m.Auth.Get(c.fd); !ok {
		m.writeError(c, "", 401, "authentication required")
		return
	}
	channel, _ := frame["channel"].(string)
	if err := validateChannelName(channel); err != nil {
		m.writeError(c, "", 400, err.Error())
		return
	}
	if err := m.Subscriptions.Subscribe(channel, c.fd); err != nil {
		m.writeError(c, "", 503, "subscription table full")
		return
	}

	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()

	m.write(c, map[string]interface{}{"type": "subscribed", "channel": channel, "timestamp": time.Now().Unix()})
}

func (m *Manager) handleUnsubscribe(c *conn, frame map[string]interface{}) {
	channel, _ := frame["channel"].(string)
	m.Subscriptions.Unsubscribe(channel, c.fd)

	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()

	m.write(c, map[string]interface{}{"type": "unsubscribed", "channel": channel, "timestamp": time.Now().Unix()})
}

func (m *Manager) handlePing(c *conn, frame map[string]interface{}) {
	m.write(c, map[string]interface{}{"type": "pong", "ts": frame["ts"], "timestamp": time.Now().Unix()})
}

func (m *Manager) handleAPI(c *conn, frame map[string]interface{}) {
	route, _ := frame["route"].(string)
	if route == "" {
		route, _ = frame["uri"].(string)
	}
	method, _ := frame["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, _ := frame["body"].(map[string]interface{})
	query, _ := frame["query"].(map[string]interface{})
	correlationID, _ := frame["correlation_id"].(string)
	token, _ := frame["token"].(string)

	var fingerprint string
	if meta, ok := frame["meta"].(map[string]interface{}); ok {
		fingerprint, _ = meta["fingerprint"].(string)
	}

	_, data, err := m.Pipeline.Process(context.Background(), pipeline.RawRequest{
		Method:        method,
		URI:           route,
		Body:          body,
		Query:         query,
		RemoteAddr:    c.remoteAddr,
		Transport:     models.TransportWS,
		CorrelationID: correlationID,
		FD:            c.fd,
		HasFD:         true,
		Token:         token,
		Fingerprint:   fingerprint,
	})

	if err != nil {
		appErr := asAppError(err)
		if appErr.Event == "device_mismatch" {
			m.write(c, map[string]interface{}{
				"type": "error", "event": appErr.Event, "status_code": appErr.StatusCode,
				"message": appErr.Message, "timestamp": time.Now().Unix(),
			})
			m.closeConn(c)
			return
		}
		m.write(c, map[string]interface{}{
			"type": "api_error", "correlation_id": correlationID, "status": "error",
			"status_code": appErr.StatusCode, "message": appErr.Message, "timestamp": time.Now().Unix(),
		})
		return
	}

	m.write(c, map[string]interface{}{
		"type": "api_response", "correlation_id": correlationID, "status": "success",
		"status_code": 200, "data": data, "timestamp": time.Now().Unix(),
	})
}

// Deliver pushes a pub/sub payload to fd as a JSON frame (spec.md §4.8).
// Best-effort: a push to an FD this Manager no longer owns is a silent
// debug-logged drop, never an error returned to the publisher.
func (m *Manager) Deliver(fd uint64, channel string, payload interface{}) bool {
	m.mu.RLock()
	c, ok := m.conns[fd]
	m.mu.RUnlock()
	if !ok {
		logger.WebSocket().Debug().Uint64("fd", fd).Str("channel", channel).Msg("push to closed fd dropped")
		return false
	}
	m.write(c, map[string]interface{}{
		"type": "event", "channel": channel, "data": payload, "timestamp": time.Now().Unix(),
	})
	return true
}

// DeliverTaskResult relays a Task Worker Pool completion back to its
// originating connection (spec.md §4.6), keyed by the same correlation id
// the original request carried.
func (m *Manager) DeliverTaskResult(fd uint64, correlationID string, data interface{}, taskErr error) bool {
	m.mu.RLock()
	c, ok := m.conns[fd]
	m.mu.RUnlock()
	if !ok {
		logger.Task().Debug().Uint64("fd", fd).Str("correlation_id", correlationID).Msg("task result for closed fd discarded")
		return false
	}

	var frame map[string]interface{}
	if taskErr != nil {
		frame = map[string]interface{}{
			"type": "api_error", "correlation_id": correlationID, "status": "error",
			"status_code": 500, "message": "Request failed. Check server logs for details.",
			"timestamp": time.Now().Unix(),
		}
	} else {
		frame = map[string]interface{}{
			"type": "api_response", "correlation_id": correlationID, "status": "success",
			"status_code": 200, "data": data, "timestamp": time.Now().Unix(),
		}
	}
	m.write(c, frame)
	return true
}

// ConnectionCount reports how many FDs this Manager currently owns.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) write(c *conn, frame map[string]interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.WebSocket().Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.send <- data:
	default:
		logger.WebSocket().Debug().Uint64("fd", c.fd).Msg("dropping frame: send buffer full, closing slow connection")
		m.closeConn(c)
	}
}

func (m *Manager) writeError(c *conn, event string, statusCode int, message string) {
	frame := map[string]interface{}{"type": "error", "status_code": statusCode, "message": message, "timestamp": time.Now().Unix()}
	if event != "" {
		frame["event"] = event
	}
	m.write(c, frame)
}

func (m *Manager) closeConn(c *conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func validateChannelName(channel string) error {
	if len(channel) == 0 || len(channel) > 128 {
		return fmt.Errorf("channel name must be 1..128 characters")
	}
	if strings.IndexByte(channel, 0) >= 0 {
		return fmt.Errorf("channel name must not contain a NUL byte")
	}
	return nil
}

func asAppError(err error) *apperror.AppError {
	if ae, ok := err.(*apperror.AppError); ok {
		return ae
	}
	return apperror.Handler(err)
}
