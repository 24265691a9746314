// Package app wires the router's components together and owns their
// lifecycle: bring-up order, the shared listener, and ordered teardown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/voiceping/router/config"
	"github.com/voiceping/router/src/auth"
	"github.com/voiceping/router/src/group"
	"github.com/voiceping/router/src/hub"
	"github.com/voiceping/router/src/httpapi"
	"github.com/voiceping/router/src/mirror"
	"github.com/voiceping/router/src/presence"
	"github.com/voiceping/router/src/store"
)

const initTimeout = 10 * time.Second

// statusMirror is the closable mirror seam; both the DynamoDB mirror and
// the noop stand-in satisfy it.
type statusMirror interface {
	Submit(u presence.Update)
	Close() error
}

// Compile-time interface assertions.
var (
	_ statusMirror = (*mirror.Dynamo)(nil)
	_ statusMirror = mirror.Noop{}
)

// App is the assembled router instance.
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	mirror   statusMirror
	presence *presence.Manager
	groups   *group.State
	hub      *hub.Hub
	server   *fasthttp.Server

	janitorCancel context.CancelFunc
}

// New builds every component and verifies the store is reachable. An
// unreachable store is fatal; a router without shared state cannot route.
func New(cfg *config.Config, version string, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	a.store = store.New(store.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	}, logger)
	if err := a.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("app: store unreachable at %s: %w", cfg.Redis.Addr(), err)
	}

	// Store-level config is applied by the janitor owner on behalf of the
	// fleet. Without keyspace events the expiry-driven offline path
	// degrades to janitor sweeps and explicit disconnects. Not fatal.
	if cfg.Redis.Janitor {
		if err := a.store.EnableKeyspaceEvents(ctx); err != nil {
			logger.Warn().Err(err).Msg("keyspace events unavailable, ttl expiry will not push offline transitions")
		}
	}

	if cfg.DynamoDB.Enabled {
		m, err := mirror.NewDynamo(ctx, mirror.Config{
			Table:    cfg.DynamoDB.Table,
			Region:   cfg.DynamoDB.Region,
			Endpoint: cfg.DynamoDB.Endpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: dynamodb mirror: %w", err)
		}
		a.mirror = m
	} else {
		a.mirror = mirror.Noop{}
	}

	a.presence = presence.New(a.store, presence.Config{
		Enabled: cfg.Presence.Enabled,
		TTL:     cfg.Presence.TTLDuration(),
	}, a.mirror, logger)

	a.groups = group.New(a.store, group.Config{
		CleanEvery:        cfg.Redis.CleanEvery(),
		CleanGroupsAmount: int64(cfg.Redis.CleanGroupsAmount),
		InspectEvery:      cfg.Group.InspectEvery(),
	}, logger)

	a.hub = hub.New(a.presence, a.groups, hub.Options{
		Echo:        cfg.Message.Echo,
		BusyTimeout: cfg.Group.BusyTimeoutDuration(),
		MaxTurn:     cfg.Message.MaxTurn(),
		MaxIdle:     cfg.Message.MaxIdle(),
		PingEvery:   cfg.PingEvery(),
	}, logger)
	a.presence.OnPresenceChange(a.hub.OnPresenceUpdate)
	a.hub.OnConnection(func(uid string) {
		a.logger.Info().Str("user", uid).Int("connections", a.hub.Stats().Connections).Msg("user connected")
	})
	a.hub.OnDisconnection(func(uid string) {
		a.logger.Info().Str("user", uid).Int("connections", a.hub.Stats().Connections).Msg("user disconnected")
	})

	resolver := auth.NewResolver(cfg.SecretKey, cfg.UseAuthentication, logger)
	api := httpapi.New(a.presence, a.hub, version, logger)

	a.server = &fasthttp.Server{
		Name:    "voiceping-router/" + version,
		Handler: rootHandler(a.hub.Accept(resolver), api.Handler()),
	}
	return a, nil
}

// rootHandler short-circuits the WebSocket endpoint to the upgrader and
// hands everything else to the fiber app.
func rootHandler(ws, api fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			ws(ctx)
			return
		}
		api(ctx)
	}
}

// Run starts the subscriber loops, the janitor when this instance is the
// designated cleaner, and the listener. It blocks until ctx is canceled
// or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.presence.Start(ctx); err != nil {
		return fmt.Errorf("app: presence subscriptions: %w", err)
	}

	if a.cfg.Redis.Janitor {
		jctx, cancel := context.WithCancel(context.Background())
		a.janitorCancel = cancel
		go a.groups.RunJanitor(jctx)
	}

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("router listening")
		errCh <- a.server.ListenAndServe(addr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("app: listener: %w", err)
	}
}

// Shutdown tears the instance down in dependency order: listener first,
// then live sockets, then the loops and clients that outlast them.
func (a *App) Shutdown() {
	a.logger.Info().Msg("shutting down")

	if err := a.server.Shutdown(); err != nil {
		a.logger.Error().Err(err).Msg("listener shutdown error")
	}
	a.hub.Shutdown()
	if a.janitorCancel != nil {
		a.janitorCancel()
	}
	if err := a.presence.Close(); err != nil {
		a.logger.Error().Err(err).Msg("presence close error")
	}
	if err := a.mirror.Close(); err != nil {
		a.logger.Error().Err(err).Msg("mirror close error")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("store close error")
	}
	a.logger.Info().Msg("shutdown complete")
}
