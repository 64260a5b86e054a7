package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/temporal-agent/scheduler/internal/api"
	"github.com/temporal-agent/scheduler/internal/config"
	"github.com/temporal-agent/scheduler/internal/dispatch"
	"github.com/temporal-agent/scheduler/internal/ratelimit"
	"github.com/temporal-agent/scheduler/internal/safety"
	"github.com/temporal-agent/scheduler/internal/scheduler"
	"github.com/temporal-agent/scheduler/internal/store"
	"github.com/temporal-agent/scheduler/internal/tools"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()

	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.New(db)

	safetyOpts := safety.Options{
		RequireHTTPS:   cfg.IsProduction(),
		AllowedDomains: cfg.AllowedWebhookDomains,
	}

	// Outbound sends share one pacer so a large due batch cannot flood the
	// network.
	pacer := rate.NewLimiter(rate.Limit(10), 20)

	registry := dispatch.Registry{
		Webhook: dispatch.WebhookDispatcher{
			Secret:        []byte(cfg.HMACSecret),
			Timeout:       cfg.WebhookTimeout,
			SafetyOptions: safetyOpts,
			Pacer:         pacer,
		},
		Chat: dispatch.ChatDispatcher{
			Timeout:       cfg.WebhookTimeout,
			SafetyOptions: safetyOpts,
			Pacer:         pacer,
		},
		Email: dispatch.EmailDispatcher{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			From: cfg.SMTPFrom,
		},
		Store: dispatch.StoreDispatcher{Repo: repo},
	}

	worker := scheduler.New(repo, registry, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.SchedulerBatchSize,
		LockTimeout:  cfg.SchedulerLockTimeout,
	})
	worker.Start(context.Background())

	limiter := ratelimit.New(ratelimit.DefaultCap, ratelimit.DefaultWindow)
	limiter.Start()

	toolRegistry := tools.New(tools.Deps{
		Repo:           repo,
		MaxActiveTasks: cfg.MaxActiveTasks,
		MaxPayloadSize: cfg.MaxPayloadSize,
		SafetyOptions:  safetyOpts,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: api.New(repo, toolRegistry, limiter, cfg)}
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: stop the worker (joins the in-flight batch), then
	// stop accepting requests, then let the deferred db.Close drain the pool.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	worker.Stop()
	limiter.Stop()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
