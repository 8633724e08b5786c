package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heraldhq/herald/internal/api"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/engine"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/observ"
	"github.com/heraldhq/herald/internal/preference"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/tracker"
	"github.com/heraldhq/herald/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := store.NewRepository(database, logger)

	// Redis backs idempotency, API rate limiting, and the bounce
	// suppression list. All three degrade gracefully when it is absent.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisAddr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
		redisClient, err = redis.New(ctx, redis.Config{
			Addr:     redisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and suppression disabled",
				zap.Error(err),
				zap.String("addr", redisAddr),
			)
			redisClient = nil
		}
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var suppression *redis.SuppressionList
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Duration(cfg.APIRateWindow) * time.Second,
		})
		suppression = redis.NewSuppressionList(redisClient, logger)
		defer redisClient.Close()
	}

	registry := provider.NewRegistry(logger)

	sesSender, err := provider.NewSESSender(ctx, provider.SESConfig{
		Name:      "ses-primary",
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}
	if err := registerProvider(ctx, repo, registry, sesSender, 100, cfg, logger); err != nil {
		return err
	}

	snsSender, err := provider.NewSNSSender(ctx, provider.SNSConfig{
		Name:   "sns-primary",
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS deliveries disabled", zap.Error(err))
	} else if err := registerProvider(ctx, repo, registry, snsSender, 100, cfg, logger); err != nil {
		return err
	}

	webhookSender := provider.NewWebhookSender(provider.WebhookConfig{
		Name:    "webhook-default",
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, logger)
	if err := registerProvider(ctx, repo, registry, webhookSender, 100, cfg, logger); err != nil {
		return err
	}

	prober := provider.NewProber(registry, time.Duration(cfg.ProbeInterval)*time.Second, logger)

	q := queue.New(cfg.QueueCapacity)

	var filterSuppression preference.SuppressionList
	var workerSuppression engine.Suppressor
	if suppression != nil {
		filterSuppression = suppression
		workerSuppression = suppression
	}

	filter := preference.NewFilter(repo, filterSuppression, preference.Config{
		UrgentCategories: cfg.UrgentCategories,
	}, logger)

	matcher := webhook.NewMatcher(repo, logger)
	service := engine.NewService(repo, q, registry, filter, matcher, logger)

	recovered, err := service.Recover(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to recover queued jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered queued jobs", zap.Int("count", recovered))
	}

	worker := engine.NewWorker(repo, q, registry, workerSuppression, engine.WorkerConfig{
		Concurrency:   cfg.WorkerConcurrency,
		SendTimeout:   time.Duration(cfg.SendTimeout) * time.Second,
		ThrottleDelay: time.Second,
		Policy: engine.RetryPolicy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			BaseDelay:      time.Duration(cfg.RetryBaseDelay) * time.Second,
			MaxDelay:       time.Duration(cfg.RetryMaxDelay) * time.Second,
			JitterFraction: 0.2,
		},
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	worker.Start(workerCtx)
	go prober.Start(workerCtx)

	logger.Info("delivery workers started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("queue_capacity", cfg.QueueCapacity),
	)

	trk := tracker.New(repo, logger)

	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, service, trk, repo, registry, idempotencyService)
	} else {
		handler = api.NewHandler(logger, service, trk, repo, registry)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/messages", handler.CreateMessage)
		r.Post("/messages/batch", handler.CreateBatch)
		r.Post("/messages/test", handler.TestMessage)
		r.Post("/events", handler.IngestEvent)

		r.Get("/jobs", handler.ListJobs)
		r.Get("/jobs/{id}", handler.GetJob)
		r.Post("/jobs/{id}/cancel", handler.CancelJob)
		r.Get("/batches/{id}", handler.GetBatch)
		r.Get("/stats", handler.GetStats)
		r.Get("/blocked", handler.ListBlockedEvents)

		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)

		r.Post("/templates", handler.CreateTemplate)
		r.Get("/templates/{id}", handler.GetTemplate)

		r.Post("/subscriptions", handler.CreateSubscription)
		r.Get("/subscriptions/{id}", handler.GetSubscription)
		r.Put("/subscriptions/{id}", handler.UpdateSubscription)
		r.Delete("/subscriptions/{id}", handler.DeleteSubscription)

		r.Get("/providers", handler.ListProviders)
		r.Post("/providers/{name}/reset", handler.ResetProvider)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop accepting new work, let in-flight deliveries finish.
		q.Close()
		workerCancel()
		worker.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// registerProvider persists the provider row for attempt bookkeeping
// and registers it for selection with a health tracker wired back to
// the database and metrics.
func registerProvider(ctx context.Context, repo *store.Repository, registry *provider.Registry, sender provider.Sender, priority int, cfg *config.Config, logger *zap.Logger) error {
	row := &store.Provider{
		ID:         uuid.New(),
		Name:       sender.Name(),
		Channel:    sender.Channel(),
		Priority:   priority,
		Config:     json.RawMessage(`{}`),
		RatePerSec: cfg.ProviderRatePerSec,
		RateBurst:  cfg.ProviderRateBurst,
		Health:     store.HealthHealthy,
	}
	if err := repo.UpsertProvider(ctx, row); err != nil {
		return fmt.Errorf("failed to register provider %s: %w", sender.Name(), err)
	}

	health := provider.NewHealthTracker(provider.HealthConfig{
		Name:          sender.Name(),
		DegradedAfter: cfg.DegradedAfter,
		DisabledAfter: cfg.DisabledAfter,
	}, logger)

	id := row.ID
	name := sender.Name()
	health.OnTransition(func(state provider.HealthState) {
		metrics.SetProviderHealth(name, int(state))
		if err := repo.UpdateProviderHealth(context.Background(), id, state.String()); err != nil {
			logger.Warn("failed to persist provider health",
				zap.String("provider", name),
				zap.Error(err),
			)
		}
	})

	registry.Register(&provider.Entry{
		ID:       row.ID,
		Sender:   sender,
		Priority: priority,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.ProviderRatePerSec), cfg.ProviderRateBurst),
		Health:   health,
	})

	logger.Info("provider registered",
		zap.String("provider", name),
		zap.String("channel", sender.Channel()),
		zap.Int("priority", priority),
	)
	return nil
}
