// Command triops runs the workflow action execution service.
//
// Usage:
//
//	triops            start the server
//	triops health     probe a running instance and exit 0/1
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

	"github.com/triops-labs/triops/pkg/api"
	"github.com/triops-labs/triops/pkg/artifacts"
	"github.com/triops-labs/triops/pkg/auth"
	"github.com/triops-labs/triops/pkg/codexec"
	"github.com/triops-labs/triops/pkg/config"
	"github.com/triops-labs/triops/pkg/dispatch"
	"github.com/triops-labs/triops/pkg/kms"
	"github.com/triops-labs/triops/pkg/observability"
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/rules"
	"github.com/triops-labs/triops/pkg/sandbox"
	"github.com/triops-labs/triops/pkg/secrets"
	"github.com/triops-labs/triops/pkg/signature"
	"github.com/triops-labs/triops/pkg/ssrf"
	"github.com/triops-labs/triops/pkg/store"
	"github.com/triops-labs/triops/pkg/webhookexec"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(healthCheck())
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "triops:", err)
		os.Exit(1)
	}
}

func healthCheck() int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "unhealthy: status", resp.StatusCode)
		return 1
	}
	fmt.Println("ok")
	return 0
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	var deniedHosts []string
	if cfg.LimitsProfile != "" {
		profile, err := config.LoadLimitsProfile(cfg.LimitsProfile)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
		deniedHosts = profile.Networking.DeniedHosts
		log.Info("limits profile applied", "name", profile.Name)
	}

	shutdownTelemetry, err := observability.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	dbURL := cfg.DatabaseURL
	if dbURL == "" {
		dbURL = "triops.db"
		log.Info("no DATABASE_URL, using embedded SQLite lite mode", "path", dbURL)
	}
	st, err := store.Open(dbURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	box, err := kms.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	artifactStore, err := artifacts.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}

	guardOpts := []ssrf.Option{ssrf.WithDeniedHosts(deniedHosts)}
	if cfg.AllowPrivateNetworks {
		log.Warn("outbound private-network protection is DISABLED")
		guardOpts = append(guardOpts, ssrf.WithAllowPrivate())
	}
	guard := ssrf.NewGuard(guardOpts...)

	runner, err := sandbox.NewRunner(ctx, sandbox.Limits{
		Deadline: cfg.DefaultCodeTimeout,
	})
	if err != nil {
		return err
	}
	defer runner.Close(context.Background())

	filters, err := rules.NewEvaluator()
	if err != nil {
		return err
	}

	rec := recorder.New(st, log)
	rec.StartPurger(ctx, time.Hour)

	webhookExec := webhookexec.New(guard, webhookexec.DefaultRetryPolicy)
	codeExec := codexec.New(st, artifactStore, secrets.NewResolver(st, box), st, runner, log)

	dispatcher := dispatch.New(dispatch.Config{
		OutputFieldPrefix: cfg.OutputFieldPrefix,
		WebhookTimeout:    cfg.DefaultWebhookTimeout,
		CodeTimeout:       cfg.DefaultCodeTimeout,
	}, st, webhookExec, codeExec, filters, rec, log)

	if cfg.OTLPEndpoint != "" {
		metrics, err := observability.NewMetrics()
		if err != nil {
			return err
		}
		dispatcher.SetMetrics(metrics)
	}

	var replay api.ReplayCache
	if cfg.RedisURL != "" {
		redisCache, err := api.NewRedisReplayCache(cfg.RedisURL)
		if err != nil {
			return err
		}
		replay = redisCache
	} else {
		replay = api.NewMemoryReplayCache()
	}

	srv := api.NewServer(dispatcher, st,
		signature.NewVerifier(cfg.ClientSecret),
		auth.NewValidator(cfg.JWTSecret),
		replay,
		api.Options{BaseURL: cfg.BaseURL, AllowUnsigned: cfg.AllowUnsigned},
		log)

	main := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	health := &http.Server{
		Addr: ":" + cfg.HealthPort,
		Handler: srv.HealthHandler(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.DB().PingContext(pingCtx)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("action server listening", "port", cfg.Port, "env", cfg.Environment)
		errCh <- main.ListenAndServe()
	}()
	go func() {
		log.Info("health server listening", "port", cfg.HealthPort)
		errCh <- health.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := main.Shutdown(shutdownCtx); err != nil {
		log.Warn("main server shutdown", "error", err)
	}
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown", "error", err)
	}
	log.Info("stopped")
	return nil
}
