package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/livecall/internal/agents"
	"github.com/dennisdiepolder/livecall/internal/auth"
	"github.com/dennisdiepolder/livecall/internal/callqueue"
	"github.com/dennisdiepolder/livecall/internal/config"
	"github.com/dennisdiepolder/livecall/internal/events"
	"github.com/dennisdiepolder/livecall/internal/lock"
	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/dennisdiepolder/livecall/internal/signaling"
	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/ticker"
	"github.com/dennisdiepolder/livecall/internal/verification"
	"github.com/dennisdiepolder/livecall/internal/websocket"
	"github.com/dennisdiepolder/livecall/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sweepInterval is how often ended signaling sessions are checked for expiry
const sweepInterval = time.Minute

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Production logs are JSON for the collector
	if !cfg.Development() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store", string(cfg.Storage.Mode)).
		Str("routing", cfg.RoutingStrategy).
		Bool("skip_auth", cfg.SkipAuth).
		Msg("starting livecall server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, metrics.New(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer a.Close()

	a.startBackground(ctx)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.router(log.Logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop ticker and sweeper
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// app holds the wired services
type app struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	auth      *auth.Authenticator
	engine    *callqueue.Engine
	relay     *signaling.Relay
	updates   *websocket.Registry[string]
	signaling *websocket.Registry[string]
	closers   []io.Closer
	logger    zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: m,
		auth: auth.NewAuthenticator(auth.Options{
			SkipAuth:        cfg.SkipAuth,
			VerifySignature: cfg.VerifySignature,
			OIDCIssuer:      cfg.OIDCIssuer,
		}, logger),
		logger: logger,
	}

	store, err := storage.NewStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.closers = append(a.closers, store)

	var lookup verification.Lookup = verification.Static{}
	if cfg.VerificationMode == "http" {
		if cfg.VerificationURL == "" {
			a.Close()
			return nil, fmt.Errorf("VERIFICATION_URL is required when VERIFICATION_MODE=http")
		}
		lookup = verification.NewHTTPLookup(cfg.VerificationURL, cfg.VerificationCacheTTL, logger)
	}

	var locker lock.Locker = lock.Noop{}
	if cfg.RedisAddr != "" {
		redisLock, err := lock.NewRedis(ctx, lock.RedisConfig{Addr: cfg.RedisAddr, TTL: cfg.LockTTL}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		a.closers = append(a.closers, redisLock)
		locker = redisLock
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}
	a.closers = append(a.closers, publisher)

	a.updates = websocket.NewRegistry[string]("updates", m, logger)
	a.signaling = websocket.NewRegistry[string]("signaling", m, logger)

	queue := callqueue.NewQueue(store, lookup, cfg.PendingLimit, cfg.SLThreshold, logger)
	registry := agents.NewRegistry(store, cfg.LivenessWindow, logger)
	a.engine = callqueue.NewEngine(queue, registry, logger,
		callqueue.WithStrategy(callqueue.NewRoutingStrategy(cfg.RoutingStrategy)),
		callqueue.WithLocker(locker),
		callqueue.WithEvents(publisher),
		callqueue.WithMetrics(m),
		callqueue.WithNotifier(a.updates),
	)

	a.relay = signaling.NewRelay(a.signaling, m, logger)
	a.signaling.OnDisconnect(func(identity string) { a.relay.DropParty(identity) })

	return a, nil
}

// startBackground launches the stats ticker and the session sweeper
func (a *app) startBackground(ctx context.Context) {
	go ticker.NewTicker(a.engine, a.updates, a.cfg.StatsInterval, a.logger).Start(ctx)
	go a.relay.Run(ctx, sweepInterval, a.cfg.SessionRetention)
}

func (a *app) router(logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(a.cfg.AllowedOrigins))
	r.Use(a.metrics.Middleware)

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	staff := auth.RequireAnyRole(auth.RoleAgent, auth.RoleManager, auth.RoleAdmin)

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)

		callqueue.NewCallHandler(a.engine, logger).Routes(r)
		signaling.NewHandler(a.relay, a.signaling, logger).Routes(r)

		updatesWS := websocket.NewHandler("updates", a.updates,
			websocket.NewUpdatesDispatcher(a.engine, logger), a.cfg, a.metrics, logger)
		signalingWS := websocket.NewHandler("signaling", a.signaling, a.relay, a.cfg, a.metrics, logger)

		r.With(staff).Get("/ws/updates", updatesWS.ServeHTTP)
		r.Get("/ws/signaling", signalingWS.ServeHTTP)
	})

	return r
}

// Close releases store, lock and broker connections
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close resource")
		}
	}
	a.closers = nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"livecall"}`)
}
