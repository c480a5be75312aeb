package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"rollcall/internal/api"
	"rollcall/internal/auth"
	"rollcall/internal/broadcast"
	"rollcall/internal/bus"
	"rollcall/internal/config"
	"rollcall/internal/database"
	"rollcall/internal/finalize"
	"rollcall/internal/hub"
	"rollcall/internal/markstore"
	"rollcall/internal/metrics"
	"rollcall/internal/router"
	"rollcall/internal/session"
	"rollcall/internal/websocket"
	"rollcall/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	logger      *slog.Logger
	instanceID  string
	dbManager   *database.Manager
	redisClient *redis.Client
	store       interfaces.StateStore
	metrics     *metrics.Metrics
	sessions    *session.Registry
	connections *websocket.Registry
	broadcaster *broadcast.Broadcaster
	messageHub  *hub.Hub
	router      *router.Router
	reaper      *session.Reaper
	handler     http.Handler
	httpServer  *http.Server
	listener    net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → State store and bus → Sessions → Fan-out → Router → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = cfg.Log.NewLogger()
	}

	instanceID := ulid.Make().String()
	logger = logger.With("instance", instanceID)

	// STEP 1: Durable store, migrations applied on open
	dbManager, err := database.NewManager(cfg.Database, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	a := &Application{
		config:      cfg,
		logger:      logger,
		instanceID:  instanceID,
		dbManager:   dbManager,
		metrics:     metrics.New(),
		connections: websocket.NewRegistry(),
	}

	// STEP 2: Fast state store, bus and principal resolver for the chosen backend
	var (
		messageBus interfaces.Bus
		resolver   interfaces.PrincipalResolver = dbManager
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := markstore.Connect(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cancel()
		if err != nil {
			_ = dbManager.Close()
			return nil, err
		}
		a.redisClient = client
		a.store = markstore.NewRedisStore(client, markstore.Options{
			KeyPrefix: cfg.Redis.KeyPrefix,
			OpTimeout: cfg.Redis.OpTimeout,
		}, logger.With("component", "markstore"))
		messageBus = bus.NewRedisBus(client, cfg.Redis.ChannelPrefix, logger.With("component", "bus"))
		if cfg.Auth.PrincipalCacheTTL > 0 {
			resolver = auth.NewCachedResolver(dbManager, client, cfg.Auth.PrincipalCacheTTL, logger.With("component", "auth"))
		}
	default:
		a.store = markstore.NewMemoryStore()
		messageBus = bus.NewMemoryBus(logger.With("component", "bus"))
	}

	policy, err := finalize.ParsePolicy(cfg.Session.UnmarkedPolicy)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	// STEP 3: Session registry, finalizer and fan-out
	a.sessions = session.NewRegistry(a.store, dbManager, instanceID, logger.With("component", "session"))
	// The fence must outlive one DONE's durable commit.
	finalizer := finalize.NewFinalizer(a.store, dbManager, dbManager, policy, a.metrics, logger.With("component", "finalize")).
		WithCloseLease(2 * cfg.Router.EventTimeout)
	a.broadcaster = broadcast.New(a.store, dbManager, messageBus, instanceID, a.metrics, logger.With("component", "broadcast"))
	a.messageHub = hub.NewHub(messageBus, a.sessions, a.metrics, logger.With("component", "hub"))

	// STEP 4: Router, with the hub delivering direct notifications
	a.router = router.NewRouter(router.Dependencies{
		Sessions:    a.sessions,
		Roster:      dbManager,
		Store:       a.store,
		Broadcaster: a.broadcaster,
		Finalize:    finalizer.Finalize,
		Notifier:    a.messageHub,
		Metrics:     a.metrics,
	}, router.Options{
		RateLimit:    cfg.Router.RateLimit,
		RateWindow:   cfg.Router.RateWindow,
		EventTimeout: cfg.Router.EventTimeout,
	}, logger.With("component", "router"))

	a.reaper = session.NewReaper(a.sessions, finalizer.Finalize, cfg.Session.MaxAge, cfg.Session.ReapInterval,
		func(ctx context.Context, result session.CloseResult) {
			a.metrics.SessionClosed(metrics.ReasonReaped)
			a.router.AnnounceClosed(ctx, result)
		}, logger.With("component", "reaper"))

	// STEP 5: HTTP surface
	authenticator := auth.NewAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.Leeway, resolver, logger.With("component", "auth"))
	wsHandler := websocket.NewHandler(authenticator, a.router, a.connections, a.metrics, websocket.Options{
		PingInterval:  cfg.WebSocket.PingInterval,
		PongWait:      cfg.WebSocket.PongWait,
		MaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		CheckOrigin:   originChecker(cfg.WebSocket.AllowedOrigins),
	}, logger.With("component", "websocket"))
	apiServer := api.NewServer(dbManager, a.store, a.sessions, a.connections, a.metrics.Handler(), logger.With("component", "api"))

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	a.handler = mux

	a.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

// originChecker allows every origin when allowed is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Start begins application execution
// Hub subscribes first so no bus message published after Start is missed,
// then the reaper and the HTTP listener
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("starting rollcall", "addr", a.httpServer.Addr, "store", a.config.Store.Backend)

	// Background work outlives ctx; Stop ends it in order.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reaper.Run(runCtx)
	}()

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		a.wg.Wait()
		_ = a.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = listener

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	a.logger.Info("rollcall started", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → reaper → fan-out → stores
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down rollcall")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown error", "error", err)
	}

	// Hijacked websocket connections are not closed by Shutdown.
	closed := a.connections.CloseAll()
	a.logger.Info("closed websocket connections", "count", closed)

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.broadcaster.Wait()
	if err := a.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Warn("message hub shutdown error", "error", err)
	}

	a.closeStores()
	a.logger.Info("rollcall shutdown complete")
	return nil
}

func (a *Application) closeStores() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis shutdown error", "error", err)
		}
	}
	if err := a.dbManager.Close(); err != nil {
		a.logger.Warn("database shutdown error", "error", err)
	}
}

// Handler exposes the HTTP routes, for serving through httptest.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Database returns the durable store, used by seeding and tests.
func (a *Application) Database() *database.Manager {
	return a.dbManager
}

// Addr returns the bound listen address once started, else the configured one.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}
