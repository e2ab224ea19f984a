// Command dispatchd runs the delivery dispatch backend: the REST API, the SSE
// broadcast fabric, and the background maintenance jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rutaops/dispatch/infrastructure/middleware"
	"github.com/rutaops/dispatch/internal/app/auth"
	"github.com/rutaops/dispatch/internal/app/engine"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/httpapi"
	"github.com/rutaops/dispatch/internal/app/jobs"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/optimizer"
	"github.com/rutaops/dispatch/internal/app/push"
	"github.com/rutaops/dispatch/internal/app/storage/postgres"
	"github.com/rutaops/dispatch/internal/app/travel"
	"github.com/rutaops/dispatch/internal/app/webhook"
	"github.com/rutaops/dispatch/internal/platform/database"
	"github.com/rutaops/dispatch/internal/platform/migrations"
	"github.com/rutaops/dispatch/pkg/config"
	"github.com/rutaops/dispatch/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("main").Fatalf("configuration: %v", err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.URL, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	stores := postgres.New(db).Stores()
	clock := geo.SystemClock{}

	// Travel providers: the cheap haversine estimator always exists; the
	// remote matrix provider only when a key is configured, optionally
	// fronted by the Redis leg cache.
	cheap := travel.NewCheapProvider()
	var maps travel.Provider
	if cfg.Maps.APIKey != "" {
		maps = travel.NewMapsProvider(travel.MapsConfig{
			BaseURL: cfg.Maps.BaseURL,
			APIKey:  cfg.Maps.APIKey,
		})
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			maps = travel.NewCachedProvider(maps, rdb)
			log.Info("travel leg cache enabled")
		}
	} else {
		log.Warn("MAPS_API_KEY not set; using haversine travel times only")
	}

	legs := maps
	if legs == nil {
		legs = cheap
	}

	hub := live.NewHub(log)
	go hub.Run(ctx)

	dispatcher := webhook.NewDispatcher(log)
	notifier := push.NewNotifier(push.Config{
		Endpoint: cfg.Push.Endpoint,
		APIKey:   cfg.Push.APIKey,
	}, stores.Users, log)

	sessions := auth.NewManager(auth.Config{
		AccessSecret:  []byte(cfg.Auth.AccessSecret),
		RefreshSecret: []byte(cfg.Auth.RefreshSecret),
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	}, stores.Users, stores.Tokens, clock, log)

	eng := engine.New(engine.Options{
		Stores:              stores,
		Optimizer:           optimizer.New(maps, cheap),
		Legs:                legs,
		Hub:                 hub,
		Webhooks:            dispatcher,
		Push:                notifier,
		Clock:               clock,
		Log:                 log,
		AdminDeletePassword: cfg.Auth.AdminDeletePassword,
	})

	handler := httpapi.NewHandler(httpapi.Deps{
		Engine:               eng,
		Stores:               stores,
		Sessions:             sessions,
		Hub:                  hub,
		Webhooks:             dispatcher,
		Log:                  log,
		PaymentWebhookSecret: cfg.Payments.WebhookSecret,
	})

	// Outermost first: recovery, then rate limiting, CORS, security headers,
	// body limits, request logging.
	handler = middleware.LoggingMiddleware(log)(handler)
	handler = middleware.NewBodyLimitMiddleware(0).Handler(handler)
	handler = middleware.NewSecurityHeadersMiddleware(nil).Handler(handler)
	handler = middleware.NewCORSMiddleware(nil).Handler(handler)
	handler = middleware.NewRateLimiterWithWindow(cfg.RateLimit.RequestsPerMinute, time.Minute, cfg.RateLimit.Burst, log).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(log).Handler(handler)

	janitor := jobs.NewJanitor(stores, log)
	if err := janitor.Start(); err != nil {
		log.Fatalf("janitor: %v", err)
	}
	defer janitor.Stop()

	svc := httpapi.NewService(cfg.Addr(), handler, log)
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Errorf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
