package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"lessonvault/internal/catalog"
	"lessonvault/internal/config"
	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/grant"
	"lessonvault/internal/infrastructure"
	customMiddleware "lessonvault/internal/middleware"
	"lessonvault/internal/registry"
	"lessonvault/internal/services"
	handlers "lessonvault/internal/transport/http"
	ws "lessonvault/internal/websocket"
)

const (
	Version = "1.0.0"
	AppName = "LessonVault Playback Service"
)

// Application is the dependency container for the playback service.
type Application struct {
	Config   *config.Config
	Router   *chi.Mux
	Server   *http.Server
	Hub      *ws.Hub
	Registry registry.Store
	Sweeper  *registry.Sweeper
	Playback services.PlaybackService
	Devices  services.DevicesService
	Logger   *slog.Logger

	OTelProviders *infrastructure.OTelProviders
	redisClient   *redis.Client
	upgrader      websocket.Upgrader
}

// NewApplication loads configuration and wires every component.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.Security.AllowedOrigins),
		},
	}

	if err := app.initComponents(); err != nil {
		return nil, err
	}
	if err := app.setupRouter(); err != nil {
		return nil, err
	}
	app.createServer()

	return app, nil
}

func (a *Application) initComponents() error {
	cfg := a.Config

	cat := catalog.NewStore()
	if cfg.Catalog.SeedFile != "" {
		if err := cat.LoadSeed(cfg.Catalog.SeedFile); err != nil {
			return fmt.Errorf("load catalog seed: %w", err)
		}
	}

	regCfg := registry.Config{
		DeviceLimit: cfg.Playback.DeviceLimit,
		TTL:         cfg.Playback.GrantTTL,
		Policy:      registry.EvictNever,
	}
	if cfg.Playback.EvictionPolicy == config.EvictionLRU {
		regCfg.Policy = registry.EvictLRU
	}

	if cfg.Redis.Addr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.Registry = registry.NewRedisStore(a.redisClient, regCfg)
		a.Logger.Info("session registry backend", slog.String("backend", "redis"), slog.String("addr", cfg.Redis.Addr))
	} else {
		a.Registry = registry.NewMemoryStore(regCfg)
		a.Logger.Info("session registry backend", slog.String("backend", "memory"))
	}

	grantSecret := a.secretOrEphemeral(cfg.Playback.GrantSecret, "grant")
	watermarkSecret := a.secretOrEphemeral(cfg.Playback.WatermarkSecret, "watermark")

	minter, err := grant.NewMinter(grant.MinterConfig{
		Secret: grantSecret,
		TTL:    cfg.Playback.GrantTTL,
	})
	if err != nil {
		return fmt.Errorf("create grant minter: %w", err)
	}

	signer, err := grant.NewManifestSigner(grantSecret, cfg.Playback.ManifestBaseURL)
	if err != nil {
		return fmt.Errorf("create manifest signer: %w", err)
	}

	a.Hub = ws.NewHub(a.Logger)

	metrics, err := infrastructure.CreateBusinessMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("create business metrics: %w", err)
	}

	a.Playback = services.NewPlaybackService(
		cat,
		a.Registry,
		minter,
		signer,
		a.Hub,
		services.PlaybackConfig{
			WatermarkSecret:      watermarkSecret,
			AllowAnonymousDevice: cfg.Playback.AllowAnonymousDevice,
		},
		a.Logger,
		metrics,
		a.OTelProviders.TracerProvider.Tracer("playback-service"),
	)
	a.Devices = services.NewDevicesService(a.Registry, a.Hub, a.Logger, metrics)

	a.Sweeper = registry.NewSweeper(a.Registry, cfg.Playback.SweepInterval, a.Logger, metrics.SessionSweepRemovals)

	return nil
}

// secretOrEphemeral returns the configured secret, or generates a random one
// for development. Ephemeral secrets invalidate grants across restarts.
func (a *Application) secretOrEphemeral(configured, name string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	a.Logger.Warn("no secret configured, generated an ephemeral one",
		slog.String("secret", name),
		slog.String("consequence", "grants will not survive a restart"))
	return secret
}

func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("create otel middleware: %w", err)
	}
	r.Use(otelMiddleware.Handler)

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			Logger:         a.Logger,
		}))
	}

	if a.Config.Security.RateLimit.Enabled {
		limiter := customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}

	errorHandler := apierrors.NewErrorHandler(a.Logger, a.Config.Logging.Development)
	authSecret := a.secretOrEphemeral(a.Config.Security.AuthSecret, "auth")

	playbackHandler := handlers.NewPlaybackHandler(a.Playback, a.Logger, errorHandler)
	devicesHandler := handlers.NewDevicesHandler(a.Devices, a.Logger, errorHandler)
	mediaHandler := handlers.NewMediaHandler(a.Playback, a.Config.Playback.MediaDir, a.Logger, errorHandler)
	healthHandler := handlers.NewHealthHandler(Version, a.registryPinger(), a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/student", func(r chi.Router) {
			r.Use(customMiddleware.LearnerAuth(authSecret, a.Logger))
			r.Use(customMiddleware.DeviceFingerprint)

			r.Mount("/devices", devicesHandler.Routes())
			r.Mount("/", playbackHandler.Routes())
		})

		// Media requests authenticate with the grant token itself; players
		// fetch manifests without the identity JWT.
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.DeviceFingerprint)
			r.Mount("/media", mediaHandler.Routes())
		})

		r.Mount("/health", healthHandler.Routes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.LearnerAuth(authSecret, a.Logger))
		r.Use(customMiddleware.DeviceFingerprint)
		r.Use(customMiddleware.WebSocketTrace(a.Logger))
		r.Get("/ws", a.handleWebSocket)
	})

	a.Router = r
	return nil
}

// registryPinger exposes the Redis client to the readiness probe. The
// in-memory backend has nothing to probe.
func (a *Application) registryPinger() handlers.Pinger {
	if a.redisClient == nil {
		return nil
	}
	return redisPinger{client: a.redisClient}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// handleWebSocket upgrades a player connection and registers it with the
// hub so revocation signals reach the device immediately.
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	learnerID := customMiddleware.LearnerID(ctx)
	fingerprint := customMiddleware.Fingerprint(ctx)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.ErrorContext(ctx, "websocket upgrade failed",
			slog.String("learner_id", learnerID),
			slog.String("error", err.Error()))
		return
	}

	client := ws.NewClient(a.Hub, conn, learnerID, fingerprint, a.Logger)
	client.Register()

	a.Logger.InfoContext(ctx, "websocket client connected",
		slog.String("learner_id", learnerID),
		slog.Bool("has_fingerprint", fingerprint != ""))
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowedSet := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowedSet[origin] || allowedSet["*"]
	}
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.GetServerAddress(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start launches the server, the websocket hub, and the session sweeper.
// It returns when ctx is cancelled or a component fails.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "starting application",
		slog.String("version", Version),
		slog.Int("port", a.Config.Server.Port),
		slog.Duration("grant_ttl", a.Config.Playback.GrantTTL),
		slog.Int("device_limit", a.Config.Playback.DeviceLimit),
		slog.String("eviction_policy", a.Config.Playback.EvictionPolicy))

	a.Hub.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.Sweeper.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return g.Wait()
}

// Stop gracefully shuts the application down.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.Hub.Stop()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "closing redis client", slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}

// Run runs the application until an interrupt or termination signal.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Start(ctx)
}
