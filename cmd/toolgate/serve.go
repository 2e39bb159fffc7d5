package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tghttp "github.com/Strob0t/toolgate/internal/adapter/http"
	"github.com/Strob0t/toolgate/internal/adapter/litellm"
	"github.com/Strob0t/toolgate/internal/adapter/natskv"
	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/adapter/ristretto"
	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/middleware"
	"github.com/Strob0t/toolgate/internal/port/cache"
	"github.com/Strob0t/toolgate/internal/port/planner"
	"github.com/Strob0t/toolgate/internal/resilience"
	"github.com/Strob0t/toolgate/internal/service"
)

func runServe(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, flush, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer flush()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"orchestrator_mode", cfg.Orchestrator.Mode,
		"auth", cfg.Auth.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer shutdownWith(shutdownOtel)

	// --- Infrastructure ---
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// --- Services ---
	llm := newTranslator(cfg)
	plans := service.NewPlanService(a.tools, llm)
	orch := newOrchestrator(a)

	checks := map[string]tghttp.HealthCheck{
		"postgres": a.store.Ping,
		"nats": func(context.Context) error {
			if !a.queue.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}

	handlers := &tghttp.Handlers{
		Tools:        a.tools,
		Runs:         a.runs,
		Approvals:    a.approvals,
		Plans:        plans,
		Orchestrator: orch,
		Audit:        a.audit,
		Schedules:    a.schedules,
		Tokens:       a.tokens,
		Checks:       checks,
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(tghttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(tghttp.SecurityHeaders)
	r.Use(tghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))
	apiMW, err := apiMiddleware(ctx, a)
	if err != nil {
		return err
	}
	tghttp.MountRoutes(r, handlers, cfg.Auth, apiMW...)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// plans/execute holds the connection for the whole plan.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTranslator returns the LiteLLM planner, or nil when no proxy is
// configured.
func newTranslator(cfg *config.Config) planner.Translator {
	if cfg.LiteLLM.URL == "" {
		slog.Info("litellm not configured, plan translation disabled")
		return nil
	}
	client := litellm.NewClient(cfg.LiteLLM, otel.Transport(nil))
	client.SetBreaker(resilience.NewBreaker("litellm", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	return client
}

func newOrchestrator(a *app) *service.OrchestratorService {
	orch := service.NewOrchestratorService(a.runs, a.tools, a.audit, &a.cfg.Orchestrator)
	orch.SetApprovalWaiter(a.approvals)
	orch.SetMetrics(a.metrics)
	return orch
}

// apiMiddleware builds the per-caller rate limiter and the idempotency
// layer for /api/v1.
func apiMiddleware(ctx context.Context, a *app) ([]func(http.Handler) http.Handler, error) {
	var mw []func(http.Handler) http.Handler
	srv := a.cfg.Server

	if srv.RateLimitRPS > 0 {
		rl := middleware.NewRateLimiter(srv.RateLimitRPS, srv.RateLimitBurst)
		rl.StartCleanup(ctx, time.Minute, 10*time.Minute)
		mw = append(mw, rl.Handler)
	}

	var store cache.Cache
	if srv.IdempotencyBucket != "" {
		kv, err := natskv.Open(ctx, a.queue.JetStream(), srv.IdempotencyBucket, srv.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		store = kv
	} else {
		local, err := ristretto.New(8)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		a.closers = append(a.closers, local.Close)
		store = local
	}
	return append(mw, middleware.Idempotency(store, srv.IdempotencyTTL)), nil
}

func shutdownWith(fn otel.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("otel shutdown", "error", err)
	}
}
