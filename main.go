// rigroute - tiered classifier and failover dispatcher for local and cloud LLMs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/cloud"
	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/dispatch"
	"github.com/jeranaias/rigroute/internal/health"
	"github.com/jeranaias/rigroute/internal/ollama"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to config file (default ~/.rigroute/config.toml)")
		serve        = flag.Bool("serve", false, "run the HTTP API server")
		port         = flag.Int("port", 0, "override the server port")
		prompt       = flag.String("prompt", "", "route a single prompt and exit")
		classifyOnly = flag.Bool("classify-only", false, "with --prompt: classify without dispatching")
		jsonOut      = flag.Bool("json", false, "with --prompt: emit JSON instead of text")
		verbose      = flag.Bool("verbose", false, "keep pipeline logs on stderr in one-shot mode")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rigroute %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if !*serve && *prompt == "" {
		flag.Usage()
		os.Exit(2)
	}

	// One-shot output goes to stdout; pipeline logs would only pollute it.
	if !*serve && !*verbose {
		log.SetOutput(io.Discard)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	app, err := buildApp(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer app.recorder.Close()

	if *serve {
		runServe(cfg, app)
		return
	}
	runOneShot(app, *prompt, *classifyOnly, *jsonOut)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// app bundles the wired pipeline.
type app struct {
	cfg        *config.Config
	reg        *registry.Registry
	ollama     *ollama.Client
	cloud      *cloud.OpenRouterClient
	tracker    *health.Tracker
	prober     *health.Prober
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	recorder   audit.Recorder
}

// buildApp wires config into the full pipeline: registry, provider clients,
// breaker tracker and prober, dispatcher, audit trail, and classifier.
func buildApp(cfg *config.Config) (*app, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	ollamaClient := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL: cfg.Local.OllamaURL,
		Timeout: time.Duration(cfg.Local.TimeoutSecs) * time.Second,
	})

	cloudClient := cloud.NewOpenRouterClient(cfg.Cloud.OpenRouterKey).
		WithTimeout(time.Duration(cfg.Cloud.TimeoutSecs) * time.Second)
	if cfg.Cloud.BaseURL != "" {
		cloudClient = cloudClient.WithBaseURL(cfg.Cloud.BaseURL)
	}
	if cfg.Cloud.SiteURL != "" {
		cloudClient = cloudClient.WithSiteURL(cfg.Cloud.SiteURL)
	}
	if cfg.Cloud.SiteName != "" {
		cloudClient = cloudClient.WithSiteName(cfg.Cloud.SiteName)
	}

	tracker := health.NewTracker(health.Config{
		ErrorThreshold: cfg.Health.ErrorThreshold,
		Cooldown:       time.Duration(cfg.Health.CooldownSecs) * time.Second,
		AutoReset:      time.Duration(cfg.Health.AutoResetSecs) * time.Second,
		RateLimitMin:   time.Duration(cfg.Health.RateLimitMinSecs) * time.Second,
		RateLimitMax:   time.Duration(cfg.Health.RateLimitMaxSecs) * time.Second,
	})

	invokers := map[registry.Provider]backend.Invoker{
		registry.ProviderOllama:     ollama.NewInvoker(ollamaClient),
		registry.ProviderOpenRouter: cloud.NewInvoker(cloudClient),
	}

	probe := func(ctx context.Context, backendID string) error {
		b := reg.Backend(backendID)
		if b == nil {
			return fmt.Errorf("probe: unknown backend %q", backendID)
		}
		inv := invokers[b.Provider]
		if inv == nil {
			return fmt.Errorf("probe: no invoker for provider %q", b.Provider)
		}
		return inv.Probe(ctx, b)
	}
	prober := health.NewProber(tracker, probe,
		time.Duration(cfg.Health.ProbeIntervalSecs)*time.Second,
		time.Duration(cfg.Health.ProbeTimeoutSecs)*time.Second)

	recorder, err := buildRecorder(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Retries:       cfg.Dispatch.Retries,
		BackoffBase:   time.Duration(cfg.Dispatch.BackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Dispatch.BackoffMaxMs) * time.Millisecond,
		InvokeTimeout: time.Duration(cfg.Dispatch.InvokeTimeoutSecs) * time.Second,
	}, reg, tracker, invokers, recorder)

	routerCfg := router.Config{
		AmbiguousBelow:        cfg.Classifier.AmbiguousBelow,
		PrivacyScoreFloor:     cfg.Classifier.PrivacyScoreFloor,
		PrivacyTier:           cfg.Classifier.PrivacyTier,
		LongContextTier:       cfg.Classifier.LongContextTier,
		CodeTier:              cfg.Classifier.CodeTier,
		WebTier:               cfg.Classifier.WebTier,
		TrivialTier:           cfg.Classifier.TrivialTier,
		LocalContextLimit:     cfg.Classifier.LocalContextTokens,
		Stage2Budget:          time.Duration(cfg.Classifier.AssistBudgetMs) * time.Millisecond,
		AssistConfidence:      cfg.Classifier.AssistConfidence,
		LoadedModelsThreshold: cfg.Saturation.LoadedModels,
		InFlightThreshold:     cfg.Saturation.InFlight,
	}

	var assist *router.AssistedClassifier
	if cfg.Classifier.AssistEnabled {
		assist = router.NewAssistedClassifier(routerCfg, &router.OllamaCompleter{
			Client: ollamaClient,
			Model:  cfg.Classifier.AssistModel,
		})
	}

	var saturation *router.SaturationMonitor
	if cfg.Saturation.Enabled {
		saturation = router.NewSaturationMonitor(routerCfg, reg, &loadSampler{
			client: ollamaClient,
			disp:   dispatcher,
		})
	}

	return &app{
		cfg:        cfg,
		reg:        reg,
		ollama:     ollamaClient,
		cloud:      cloudClient,
		tracker:    tracker,
		prober:     prober,
		dispatcher: dispatcher,
		router:     router.New(routerCfg, reg, assist, saturation, recorder),
		recorder:   recorder,
	}, nil
}

// buildRegistry converts config overrides to a registry, falling back to the
// built-in default ladder.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	if len(cfg.Tiers) == 0 {
		return registry.Default(), nil
	}

	backends := make([]registry.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends = append(backends, registry.Backend{
			ID:       b.ID,
			Provider: registry.Provider(b.Provider),
			Model:    b.Model,
		})
	}
	tiers := make([]registry.Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, registry.Tier{
			ID:               t.ID,
			Class:            registry.Class(t.Class),
			PrivacyEligible:  t.PrivacyEligible,
			MaxContextTokens: t.MaxContextTokens,
			CostWeight:       t.CostWeight,
			SpeedWeight:      t.SpeedWeight,
			Backends:         t.Backends,
		})
	}
	return registry.Build(tiers, backends)
}

// buildRecorder assembles the audit trail: JSONL log, optional SQLite store.
func buildRecorder(cfg *config.Config) (audit.Recorder, error) {
	if !cfg.Audit.Enabled {
		return audit.Nop{}, nil
	}
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}

	logPath, err := cfg.AuditLogPath()
	if err != nil {
		return nil, err
	}
	logger, err := audit.NewLogger(logPath)
	if err != nil {
		return nil, err
	}

	if !cfg.Audit.StoreEnabled {
		return logger, nil
	}

	storePath, err := cfg.AuditStorePath()
	if err != nil {
		logger.Close()
		return nil, err
	}
	store, err := audit.NewStore(storePath)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return audit.Tee{logger, store}, nil
}

// loadSampler feeds the saturation monitor from the Ollama resident-model
// count and the dispatcher's in-flight gauge.
type loadSampler struct {
	client *ollama.Client
	disp   *dispatch.Dispatcher
}

func (s *loadSampler) SampleLoad(ctx context.Context) (router.Load, error) {
	loaded, err := s.client.LoadedCount(ctx)
	if err != nil {
		return router.Load{}, err
	}
	return router.Load{
		LoadedModels: loaded,
		InFlight:     s.disp.LocalInFlight(),
	}, nil
}

// ============================================================================
// SERVE MODE
// ============================================================================

func runServe(cfg *config.Config, app *app) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.prober.Run(ctx)

	srv := server.NewServer(cfg.Server.Bind, cfg.Server.Port, app.router, app.dispatcher, app.reg).
		WithTracker(app.tracker).
		WithOllamaClient(app.ollama).
		WithCloudConfigured(app.cloud.IsConfigured()).
		WithRateLimit(cfg.Server.RateLimitPerMin).
		WithMaxBodySize(cfg.Server.MaxBodyBytes)

	if cfg.Server.AuthToken != "" || len(cfg.Server.AllowCIDRs) > 0 {
		srv = srv.WithAuth(&server.AuthConfig{
			Enabled:     true,
			BearerToken: cfg.Server.AuthToken,
			AllowedIPs:  cfg.Server.AllowCIDRs,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("SERVER_SHUTDOWN | err=%v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("server: %v", err)
		}
	}
}

// ============================================================================
// ONE-SHOT MODE
// ============================================================================

func runOneShot(app *app, text string, classifyOnly, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := backend.NewRequest(text)
	req.Origin = "cli"

	decision := app.router.Classify(ctx, req)

	if classifyOnly {
		if jsonOut {
			printJSON(map[string]any{
				"request_id": req.ID,
				"decision":   decision,
			})
			return
		}
		fmt.Printf("tier=%s stage=%d confidence=%.2f privacy=%t\n",
			decision.TierID, decision.Stage, decision.Confidence, decision.Privacy)
		if decision.RuleID != "" {
			fmt.Printf("rule=%s\n", decision.RuleID)
		}
		if decision.Escalated {
			fmt.Printf("escalated_to=%s\n", decision.EscalatedTo)
		}
		return
	}

	result, err := app.dispatcher.Dispatch(ctx, decision.TierID, req)
	if err != nil {
		var exhausted *dispatch.ExhaustedError
		if jsonOut && errors.As(err, &exhausted) {
			printJSON(map[string]any{
				"request_id": req.ID,
				"decision":   decision,
				"error":      exhausted.Error(),
				"attempts":   exhausted.Attempts,
			})
			os.Exit(1)
		}
		fatalf("%v", err)
	}

	if jsonOut {
		printJSON(map[string]any{
			"request_id":    req.ID,
			"decision":      decision,
			"backend":       result.BackendID,
			"content":       result.Content,
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
			"latency_ms":    result.LatencyMs,
		})
		return
	}
	fmt.Println(result.Content)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
