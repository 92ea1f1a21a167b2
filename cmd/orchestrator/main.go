// Package main wires the AI Orchestrator Core's subsystems and runs a
// demo invocation loop. There is no HTTP server here: request ingress is
// an external collaborator's responsibility, not this module's.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aiorchestrator/internal/audit"
	"aiorchestrator/internal/bandit"
	"aiorchestrator/internal/bedrockinvoker"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/capability"
	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/compliance"
	"aiorchestrator/internal/config"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/fakeinvoker"
	"aiorchestrator/internal/flags"
	"aiorchestrator/internal/monitor"
	"aiorchestrator/internal/orchestrator"
	"aiorchestrator/internal/quality"
	"aiorchestrator/internal/resilience"
	"aiorchestrator/internal/routing"
	"aiorchestrator/internal/safety"
	"aiorchestrator/internal/snapshot"
	"aiorchestrator/internal/telemetry"
)

const snapshotKey = "latest_configuration_snapshot"

func main() {
	configPath := flag.String("config", "orchestrator.toml", "path to the TOML configuration file")
	flag.Parse()

	logHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logHandler))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	orch, err := buildOrchestrator(cfg, metrics)
	if err != nil {
		slog.Error("failed to wire orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	restoreSnapshot(ctx, orch, store)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Telemetry.PrometheusEnabled {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var inFlight sync.WaitGroup
	inFlight.Add(1)
	go func() {
		defer inFlight.Done()
		runDemo(ctx, orch)
	}()
	go reportMetrics(ctx, orch, metrics)

	<-ctx.Done()
	slog.Info("shutting down")
	drained := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		slog.Warn("in-flight requests still running after shutdown grace period")
	}

	finalSnapshot := orch.BuildConfigSnapshot()
	if err := orch.CaptureConfigSnapshot(finalSnapshot); err != nil {
		slog.Warn("failed to capture final configuration snapshot", "error", err)
	}
	persistSnapshot(context.Background(), store, finalSnapshot)
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("failed to close snapshot store", "error", err)
		}
	}
	slog.Info("orchestrator stopped")
}

// buildSnapshotStore opens Postgres-backed rollback-history persistence
// when a DSN is configured, falling back to an in-memory store that
// simply does not survive a restart.
func buildSnapshotStore(ctx context.Context, cfg *config.Config) (snapshot.Store, error) {
	if cfg.Database.DSN == "" {
		return snapshot.NewMemoryStore(), nil
	}
	store, err := snapshot.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres snapshot store: %w", err)
	}
	return store, nil
}

// restoreSnapshot seeds the rollback manager's history with the last
// known-good configuration persisted before a prior shutdown, if any.
func restoreSnapshot(ctx context.Context, orch *orchestrator.Orchestrator, store snapshot.Store) {
	raw, found, err := store.Get(ctx, snapshotKey)
	if err != nil {
		slog.Warn("failed to read persisted configuration snapshot", "error", err)
		return
	}
	if !found {
		return
	}
	var snap domain.ConfigurationSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("failed to decode persisted configuration snapshot", "error", err)
		return
	}
	if err := orch.CaptureConfigSnapshot(snap); err != nil {
		slog.Warn("persisted configuration snapshot failed validation", "error", err)
		return
	}
	slog.Info("restored configuration snapshot from prior run", "timestamp", snap.Timestamp)
}

// persistSnapshot writes snap through to store so the next restart can
// recover it via restoreSnapshot.
func persistSnapshot(ctx context.Context, store snapshot.Store, snap domain.ConfigurationSnapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("failed to encode configuration snapshot", "error", err)
		return
	}
	if err := store.Put(ctx, snapshotKey, raw); err != nil {
		slog.Warn("failed to persist configuration snapshot", "error", err)
	}
}

// buildOrchestrator assembles every subsystem in the dependency order the
// package layout enforces: domain/clock, config/flags, capability,
// audit, safety/compliance, cache, resilience, bandit, routing, monitor,
// quality, then the façade itself.
func buildOrchestrator(cfg *config.Config, metrics *telemetry.Metrics) (*orchestrator.Orchestrator, error) {
	clk := clock.New()

	flagsStore := flags.New(nil)

	matrix := capability.New()
	if caps := cfg.ToModelCapabilities(); len(caps) > 0 {
		if err := matrix.Seed(caps); err != nil {
			return nil, fmt.Errorf("seed capability matrix: %w", err)
		}
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate audit salt seed: %w", err)
	}
	salt, err := audit.DeriveSalt(seed)
	if err != nil {
		return nil, fmt.Errorf("derive audit salt: %w", err)
	}
	trail := audit.New(cfg.ToAuditConfig(), clk, os.Stdout, salt)

	safetyV := safety.New(cfg.ToSafetyConfig(), clk)
	region := cfg.Providers.Bedrock.Region
	if region == "" {
		region = "us-east-1"
	}
	complianceV := compliance.NewWithRegion(region, cfg.ToAgreements())

	cacheC := cache.New(cfg.ToCacheConfig(), clk)

	policy := cfg.ToPolicy()
	breaker := resilience.NewBreaker(clk, policy.Engine.CircuitBreakerThreshold, policy.Engine.CircuitBreakerCooldown)
	engine := resilience.NewEngine(policy.Engine, breaker, clk)
	resSvc := resilience.NewService(engine)

	banditCtrl := bandit.New(cfg.Orchestrator.BanditSeed)
	router := routing.New(matrix, breaker, banditCtrl)

	mon := monitor.New(clk, cfg.Rollback.WindowSize, monitor.DefaultSLOs())
	rollbackMgr := monitor.NewManager(clk, domain.AllProviders(), breaker, flagsStore, nil)

	qualityMon := quality.New(clk, quality.DefaultThresholds())

	invokers, err := buildInvokers(cfg)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(orchestrator.Dependencies{
		Clock:      clk,
		Invokers:   invokers,
		Matrix:     matrix,
		Router:     router,
		Bandit:     banditCtrl,
		Breaker:    breaker,
		Resilience: resSvc,
		Cache:      cacheC,
		Safety:     safetyV,
		Compliance: complianceV,
		Audit:      trail,
		Monitor:    mon,
		Rollback:   rollbackMgr,
		Quality:    qualityMon,
		Flags:      flagsStore,
		Policy:     policy,
	})
}

// buildInvokers wires a real Bedrock invoker when AWS credentials are
// configured, and a deterministic fake for every other provider family —
// real search/social transports are external collaborators this module
// does not implement.
func buildInvokers(cfg *config.Config) (map[domain.Provider]domain.Invoker, error) {
	invokers := make(map[domain.Provider]domain.Invoker, len(domain.AllProviders()))

	fake := fakeinvoker.New()
	invokers[domain.ProviderSearch] = fake
	invokers[domain.ProviderSocial] = fake

	if cfg.Providers.Bedrock.Enabled {
		inv, err := bedrockinvoker.New(context.Background(), bedrockinvoker.Config{
			Region:          cfg.Providers.Bedrock.Region,
			AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("construct bedrock invoker: %w", err)
		}
		invokers[domain.ProviderAWS] = inv
	} else {
		invokers[domain.ProviderAWS] = fake
	}

	return invokers, nil
}

// reportMetrics periodically pushes the façade's health snapshot into
// Prometheus: per-provider breaker state and the rolling SLO window's
// error rate and cost, the gauges SPEC_FULL.md names explicitly.
func reportMetrics(ctx context.Context, orch *orchestrator.Orchestrator, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := orch.HealthStatus()
			for _, c := range status.Circuits {
				metrics.SetBreakerState(c.Provider, c.State)
			}
			metrics.RecordMetric("orchestrator", "error_rate", nil, status.Window.ErrorRate, "ratio")
			metrics.RecordMetric("orchestrator", "cost_per_request", nil, status.Window.CostPerRequest, "eur")
		}
	}
}

// runDemo issues a handful of representative requests through the
// façade so the wiring above is exercised end to end, matching the
// teacher's habit of a default-tenant bootstrap goroutine rather than
// standing up a production ingress here.
func runDemo(ctx context.Context, orch *orchestrator.Orchestrator) {
	time.Sleep(1 * time.Second)

	prompts := []string{
		"summarize today's top headlines",
		"what's a good substitute for buttermilk",
		"draft a friendly reply to a delayed shipment complaint",
	}

	for _, p := range prompts {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := domain.NewRequest(p, domain.RequestContext{
			Domain:     domain.DomainGeneral,
			BudgetTier: domain.BudgetStandard,
		}, nil)

		resp, err := orch.Execute(ctx, req)
		if err != nil {
			slog.Warn("demo request failed", "request_id", req.RequestID, "error", err)
			continue
		}
		slog.Info("demo request completed",
			"request_id", req.RequestID,
			"provider", resp.Provider,
			"model_id", resp.ModelID,
			"cached", resp.Cached,
			"latency_ms", resp.LatencyMs,
		)
	}
}
