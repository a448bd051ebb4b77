// Command channelserver is the Channel Server: the dual-transport
// application gateway described in spec.md. It wires the shared tables,
// JWT verifier, router, unified request pipeline, WebSocket Connection
// Manager, HTTP Gateway, Task Worker Pool and Pub/Sub Publisher into one
// runnable process.
//
// Configuration is env-driven; the http.Server is built with explicit
// read/write/idle timeouts and runs ListenAndServe on its own goroutine,
// and a signal.Notify-driven graceful shutdown sequence stops the HTTP
// server (waiting up to 30s for in-flight HTTP requests) and cancels the
// task workers and pub/sub before the process exits. Open WebSocket
// connections are not closed by this sequence; their count is logged.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/auth"
	"github.com/relaygate/channelserver/internal/cache"
	"github.com/relaygate/channelserver/internal/cachebridge"
	"github.com/relaygate/channelserver/internal/config"
	"github.com/relaygate/channelserver/internal/handlers"
	"github.com/relaygate/channelserver/internal/httpgateway"
	"github.com/relaygate/channelserver/internal/logger"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/pending"
	"github.com/relaygate/channelserver/internal/pipeline"
	"github.com/relaygate/channelserver/internal/pubsub"
	"github.com/relaygate/channelserver/internal/ratelimit"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/sharedtables"
	"github.com/relaygate/channelserver/internal/taskpool"
	"github.com/relaygate/channelserver/internal/wsconn"
)

// permissiveProfile is the built-in Profile: it grants whatever scope it is
// asked about. Real scope-ACL enforcement belongs to the profile/account
// store (spec.md §1 names it an out-of-scope external collaborator); a
// deployment that needs real enforcement provides its own auth.Profile and
// auth.ProfileLoader and swaps this one out.
type permissiveProfile struct{}

func (permissiveProfile) CanAccessScope(int64) bool   { return true }
func (permissiveProfile) DefaultScopeEntityID() int64 { return 0 }

type defaultProfileLoader struct{}

func (defaultProfileLoader) Load(ctx context.Context, profileID int64) (auth.Profile, error) {
	return permissiveProfile{}, nil
}

// defaultPermissions grants every authenticated profile WRITE on every
// route and leaves unauthenticated callers at PUBLIC. It exists so the
// process is runnable with no external ACL service configured; production
// deployments inject a PermissionsResolver backed by the real roles store.
type defaultPermissions struct{}

func (defaultPermissions) Resolve(ctx context.Context, profileID int64) map[string]models.Scope {
	if profileID == 0 {
		return nil
	}
	return map[string]models.Scope{"*": models.ScopeWrite}
}

func main() {
	cfg := config.MustLoad()
	logger.Initialize(cfg.LogLevel, os.Getenv("LOG_PRETTY") == "true")
	log := logger.GetLogger()

	subs := sharedtables.NewSubscriptions()
	authTable := sharedtables.NewAuth()
	rateTable := sharedtables.NewRateLimit()
	cacheTable := sharedtables.NewCache()

	redisHost, redisPort := splitHostPort(cfg.RedisAddr)
	overflow, err := cache.NewCache(cache.Config{
		Host:    redisHost,
		Port:    redisPort,
		Enabled: cfg.RedisAddr != "",
	})
	if err != nil {
		log.Warn().Err(err).Msg("cache overflow store unavailable, continuing with in-process table only")
		overflow = &cache.Cache{}
	}
	defer overflow.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTXORKey, "channelserver", cfg.TrustProxy)
	limiter := ratelimit.New(rateTable, cfg.RateLimitPerSec, cfg.RateLimitBurst)
	pendingStore := pending.NewRingStore(pending.DefaultPerAccountCapacity)

	r := router.New(cfg.SystemKey)
	registerPendingRoute(r, pendingStore)
	cachebridge.New(cacheTable, overflow).RegisterRoutes(r)

	pl := &pipeline.Pipeline{
		Router:      r,
		Verifier:    verifier,
		AuthTable:   authTable,
		Loader:      defaultProfileLoader{},
		Permissions: defaultPermissions{},
		Fingerprint: cfg.FingerprintMode,
		Hasher:      auth.NewTokenHasher(),
	}

	wsManager := wsconn.New(subs, authTable, limiter, pl, cfg.AllowedOrigins, time.Duration(cfg.AuthTimeoutSeconds)*time.Second)

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	pool := taskpool.New(taskpool.DefaultQueueCapacity, wsManager)
	registerDemoTasks(pool)
	pool.Start(taskCtx, cfg.TaskWorkerNum)

	publisher, err := pubsub.New(pubsub.Config{URL: cfg.NATSURL}, subs, wsManager)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pub/sub publisher")
	}
	pubsubCtx, cancelPubsub := context.WithCancel(context.Background())
	if err := publisher.Start(pubsubCtx); err != nil {
		log.Warn().Err(err).Msg("pub/sub subscribe failed, falling back to local-process-only delivery")
	}
	defer publisher.Close()

	// Illustrative business endpoints (spec.md §1: out of CORE scope, but
	// they give the Router, Task Worker Pool and Pub/Sub Publisher a
	// concrete caller the way a real deployment's own handlers would).
	handlers.Register(r, pool, publisher)

	gw := httpgateway.New(cfg, pl)
	gw.Engine.GET(wsconn.RoutePath, gin.WrapF(wsManager.ServeHTTP))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: gw.Engine,

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Int("worker_num", cfg.WorkerNum).Int("task_worker_num", cfg.TaskWorkerNum).
			Msg("channel server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reload:
			// spec.md §5: a reload recycles the task worker pool without
			// closing the listening socket or touching the shared tables.
			// Existing WebSocket connections are untouched here: this
			// process never had a fixed per-connection "event worker"
			// identity to recycle in the first place (one goroutine per
			// accepted connection, not a pre-forked pool), so there is
			// nothing to restart on that side beyond what already happens
			// naturally as connections come and go.
			log.Info().Msg("reload signal received: recycling task worker pool")
			cancelTasks()
			taskCtx, cancelTasks = context.WithCancel(context.Background())
			pool.Start(taskCtx, cfg.TaskWorkerNum)
			continue
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shutdown")
	}
	cancelTasks()
	cancelPubsub()
	log.Info().Int("open_connections", wsManager.ConnectionCount()).Msg("channel server stopped")
}

// registerPendingRoute implements the public `/api/ws/pending` surface
// spec.md §9 leaves open: the storage contract belongs to an external
// persistence collaborator, reflected here only by depending on
// pending.Store rather than a concrete durable implementation.
func registerPendingRoute(r *router.Router, store pending.Store) {
	r.Register([]string{"GET"}, "/api/ws/pending", models.ScopePrivate, func(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
		return map[string]interface{}{"messages": store.Fetch(rc.AccountID)}, nil
	})
}

// splitHostPort breaks a "host:port" REDIS_ADDR into the separate
// Host/Port fields internal/cache.Config expects, defaulting to the
// standard Redis port if none was given.
func splitHostPort(addr string) (string, string) {
	if addr == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, "6379"
	}
	return host, port
}

// registerDemoTasks registers the Task Worker Pool handler from spec.md §8
// scenario (f): a handler offloads `heavy.report` and the pool relays its
// result back to the originating connection via the same correlation id.
// Real task handlers are business logic the router's handlers own;
// this one exists so the pool has at least one registered name to dispatch
// to out of the box.
func registerDemoTasks(pool *taskpool.Pool) {
	pool.Register("heavy.report", func(ctx context.Context, payload []byte) (interface{}, error) {
		return map[string]interface{}{"rows": 1000}, nil
	})
}
