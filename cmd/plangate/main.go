package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plangate/plangate/internal/api"
	"github.com/plangate/plangate/internal/config"
	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/planner"
	"github.com/plangate/plangate/internal/provider"
	"github.com/plangate/plangate/internal/queue"
	"github.com/plangate/plangate/internal/reconcile"
	"github.com/plangate/plangate/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("plangate stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	b := &backends{cfg: cfg}
	defer b.closers.closeAll()

	store, err := b.openStore(ctx)
	if err != nil {
		return err
	}
	q, err := b.openQueue(ctx)
	if err != nil {
		return err
	}

	prompt, err := provider.LoadPrompt(cfg.PromptFile)
	if err != nil {
		return err
	}
	gen, err := provider.NewOpenAI(provider.OpenAIOptions{
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		Prompt:  prompt,
		Timeout: cfg.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	w := worker.New(store, gen, cfg.ProviderTimeout, nil)
	pool := queue.NewPool(q, w.Process, cfg.WorkerConcurrency, nil)

	rec, err := reconcile.New(store, q, reconcile.Options{
		Schedule:    cfg.ReconcileSchedule,
		PendingAge:  cfg.ReconcilePendingAge,
		MaxEnqueues: cfg.ReconcileMaxEnqueues,
	}, nil)
	if errors.Is(err, reconcile.ErrNotSupported) {
		slog.Warn("reconciler disabled", "store", cfg.Store, "reason", err)
		rec = nil
	} else if err != nil {
		return err
	}

	health, _ := store.(job.HealthChecker)
	h := api.NewHandler(planner.NewService(store, q, nil), health, nil)
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(h, api.Options{
			APIKeys:     cfg.APIKeys,
			CORSOrigins: cfg.CORSOrigins,
			Limiter:     limiter,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	if rec != nil {
		g.Go(func() error { return rec.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("plangate listening",
			"addr", cfg.ListenAddr,
			"store", cfg.Store,
			"queue", cfg.Queue,
			"workers", cfg.WorkerConcurrency,
			"auth", cfg.AuthEnabled(),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
