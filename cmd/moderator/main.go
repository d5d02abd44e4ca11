package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/moderation/internal/api"
	"github.com/whisper/moderation/internal/classifier"
	"github.com/whisper/moderation/internal/config"
	"github.com/whisper/moderation/internal/logging"
	"github.com/whisper/moderation/internal/messaging"
	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/notify"
	"github.com/whisper/moderation/internal/ratelimit"
	"github.com/whisper/moderation/internal/scoring"
	"github.com/whisper/moderation/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	logger.Info().Str("env", cfg.Env).Msg("starting moderation service")

	ctx := context.Background()

	// Classifier: hosted model when configured, local keyword matcher otherwise.
	var clf scoring.Classifier
	model := api.ModelInfo{Version: "v1"}
	if cfg.UseRemoteClassifier() {
		httpCfg := classifier.DefaultHTTPConfig()
		httpCfg.URL = cfg.HFAPIURL
		httpCfg.ModelID = cfg.HFModelID
		httpCfg.Token = cfg.HFAPIToken

		remote, err := classifier.NewHTTPClassifier(httpCfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("classifier setup failed")
		}
		clf = remote
		model.ModelID = httpCfg.Endpoint()
		if cfg.HFModelID != "" {
			model.ModelID = cfg.HFModelID
		}
		model.Strategy = "hf_api"
	} else {
		clf = classifier.NewKeywordClassifier()
		model.ModelID = "keyword"
		model.Strategy = "local"
	}
	logger.Info().Str("model", model.ModelID).Str("strategy", model.Strategy).Msg("classifier ready")

	scorer := scoring.NewScorer(clf, scoring.Config{CacheTTL: cfg.CacheTTL, Cooldown: cfg.Cooldown})
	checks := map[string]api.Check{}

	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if err := scorer.Warmup(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("warmup inference failed")
	} else {
		logger.Info().Msg("warmup inference completed")
	}
	cancelWarm()

	// Notification sinks.
	var sinks []notify.Sink
	if cfg.NextAPIBaseURL != "" {
		sinks = append(sinks, notify.NewHTTPSink(cfg.NextAPIBaseURL, cfg.NextAPIKey))
	}

	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsCfg, logging.Component(logger, "nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		sinks = append(sinks, notify.NewNATSSink(natsClient))
		checks["nats"] = func(context.Context) error {
			if !natsClient.Connected() {
				return errors.New("nats: not connected")
			}
			return nil
		}
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = notify.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("running database migrations...")
		if err := notify.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		sinks = append(sinks, notify.NewPostgresSink(db))
		checks["postgres"] = db.PingContext
	}

	dispatcher := notify.NewDispatcher(logging.Component(logger, "notify"), notify.DefaultTimeout, sinks...)
	engine := moderation.NewEngine(scorer, cfg.Thresholds, dispatcher)
	if dispatcher.Enabled() {
		logger.Info().Int("sinks", len(sinks)).Msg("notification dispatcher ready")
	} else {
		logger.Info().Msg("no notification sinks configured")
	}

	thresholds := engine.Thresholds()
	model.ToxicThreshold = thresholds.Toxic
	model.HighRiskThreshold = thresholds.HighRisk

	// Rate limiting.
	rule := ratelimit.ModerateRule(cfg.RateLimitPerMinute)
	var rdb *redis.Client
	var apiLimiter api.RateLimiter
	var wsLimiter ws.RateLimiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter := ratelimit.NewLimiter(rdb, logging.Component(logger, "ratelimit"))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := limiter.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, rate limiting fails open")
		}
		cancel()

		apiLimiter, wsLimiter = limiter, limiter
		checks["redis"] = limiter.Ping
	}

	// NATS transport: chat servers publish moderation.check.
	var checkCoalescer *moderation.Coalescer
	if natsClient != nil {
		checkCoalescer = moderation.NewCoalescer(engine, moderation.CoalescerConfig{
			BatchSize: cfg.WSBatchSize,
			MaxWait:   cfg.WSBatchWait,
		}, logging.Component(logger, "checks"))
		handler := moderation.NewCheckHandler(checkCoalescer, natsClient, 30*time.Second, logging.Component(logger, "checks"))
		if err := natsClient.SubscribeModerationCheck(handler.Handle); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to moderation checks")
		}
	}

	// WebSocket transport.
	wsCfg := ws.DefaultServerConfig()
	wsCfg.Coalescer = moderation.CoalescerConfig{BatchSize: cfg.WSBatchSize, MaxWait: cfg.WSBatchWait}
	wsCfg.RateRule = rule
	wsServer := ws.NewServer(wsCfg, engine, wsLimiter, logging.Component(logger, "ws"))

	router := api.NewRouter(api.RouterConfig{
		Logger:      logging.Component(logger, "http"),
		APIKey:      cfg.InternalAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		Handler: api.NewHandler(api.HandlerConfig{
			Engine:   engine,
			Limiter:  apiLimiter,
			RateRule: rule,
			Model:    model,
			Checks:   checks,
			Logger:   logging.Component(logger, "api"),
		}),
		WebSocket: wsServer,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Bool("auth", cfg.InternalAPIKey != "").
			Bool("rate_limit", rdb != nil).
			Msg("http server listening")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket shutdown error")
	}
	if checkCoalescer != nil {
		checkCoalescer.Shutdown()
		select {
		case <-checkCoalescer.Done():
		case <-shutdownCtx.Done():
			logger.Warn().Msg("moderation check batch still in flight at shutdown")
		}
	}

	waitDispatcher(shutdownCtx, dispatcher, logger)

	if natsClient != nil {
		natsClient.Close()
	}
	if db != nil {
		db.Close()
	}
	if rdb != nil {
		rdb.Close()
	}

	logger.Info().Msg("moderation service stopped")
}

// waitDispatcher lets in-flight notifications finish until ctx ends.
func waitDispatcher(ctx context.Context, d *notify.Dispatcher, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("notification deliveries still in flight at shutdown")
	}
}
