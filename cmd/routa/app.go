package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"routa/internal/bus"
	"routa/internal/config"
	"routa/internal/coordinator"
	routaerrors "routa/internal/errors"
	"routa/internal/llm"
	"routa/internal/logging"
	"routa/internal/observability"
	"routa/internal/orchestrator"
	"routa/internal/prompts"
	"routa/internal/provider"
	"routa/internal/recall"
	"routa/internal/store"
	"routa/internal/store/filestore"
	"routa/internal/store/memory"
	"routa/internal/tools"
)

// app wires every subsystem behind the CLI commands.
type app struct {
	cfg      *config.Config
	stores   store.Stores
	bus      *bus.Bus
	coord    *coordinator.Coordinator
	orch     *orchestrator.Orchestrator
	recorder *recall.Recorder
	tracer   *observability.TracerProvider
	metrics  *observability.MetricsCollector
	health   *llm.HealthRegistry
	smart    llm.Client
}

// ping probes the configured endpoint without spending tokens.
func (a *app) ping(ctx context.Context) error {
	pinger, ok := a.smart.(llm.Pinger)
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

type appOptions struct {
	// metrics enables the meter and its Prometheus exporter. Only the
	// serve command exposes /metrics, everything else skips the exporter.
	metrics bool
}

// buildApp assembles stores, tools, LLM clients and the orchestrator from
// the loaded configuration.
func buildApp(cfg *config.Config, opts appOptions) (*app, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("provider.api_key is not set; export ROUTA_PROVIDER_API_KEY or add it to routa.yaml")
	}

	// Component loggers read these on first use, so loggers constructed
	// deep inside packages come out on the configured level and format.
	os.Setenv("ROUTA_LOG_LEVEL", cfg.Log.Level)
	os.Setenv("ROUTA_LOG_FORMAT", cfg.Log.Format)

	a := &app{cfg: cfg}

	if dir := cfg.Workspace.DataDir; dir != "" {
		fs, err := filestore.New(dir)
		if err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		a.stores = fs.Stores()
	} else {
		a.stores = memory.NewStores()
	}

	a.bus = bus.New(logging.NewComponentLogger("bus"))

	var err error
	a.metrics, err = observability.NewMetricsCollector(observability.MetricsConfig{Enabled: opts.metrics})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if cfg.Tracing.Enabled {
		a.tracer, err = observability.NewTracerProvider(observability.TracingConfig{
			Enabled:        true,
			Exporter:       cfg.Tracing.Exporter,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			ServiceName:    "routa",
			ServiceVersion: version,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
	}

	library := prompts.NewLibrary()
	if cfg.Prompts.File != "" {
		if err := library.LoadFile(cfg.Prompts.File); err != nil {
			return nil, err
		}
	}

	root := cfg.Workspace.Root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve workspace root: %w", err)
		}
	}
	ws, err := tools.NewWorkspace(root)
	if err != nil {
		return nil, err
	}

	toolLogger := logging.NewComponentLogger("tools")
	registry := tools.NewRegistry(toolLogger)
	tools.RegisterCoordinationTools(registry, tools.NewCoordination(a.stores, a.bus, toolLogger))
	tools.RegisterFileTools(registry, ws, cfg.Workspace.AllowWrite)
	webFetch := tools.WithCache(tools.NewWebFetch(toolLogger), tools.CacheConfig{MaxSize: 64, TTL: 10 * time.Minute})
	if err := registry.Register(webFetch); err != nil {
		return nil, err
	}

	if cfg.Recall.Active() {
		recallLogger := logging.NewComponentLogger("recall")
		embedder, err := recall.NewEmbedder(recall.EmbedderConfig{
			Model:   cfg.Recall.Model,
			APIKey:  cfg.Recall.APIKey,
			BaseURL: cfg.Recall.BaseURL,
		}, recallLogger)
		if err != nil {
			return nil, err
		}
		index, err := recall.NewIndex(recall.IndexConfig{Path: cfg.Recall.IndexDir}, embedder, recallLogger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(tools.NewSearchHistory(index)); err != nil {
			return nil, err
		}
		a.recorder = recall.NewRecorder(index, a.stores, a.bus, recallLogger)
	}

	retryCfg := routaerrors.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Provider.MaxRetries
	breakerCfg := routaerrors.DefaultCircuitBreakerConfig()
	clientCfg := cfg.Provider.ClientConfig()
	a.health = llm.NewHealthRegistry()
	smart := llm.WrapWithRetryAndHealth(llm.NewOpenAIClient(cfg.Provider.SmartModel, clientCfg), retryCfg, breakerCfg, a.health)
	fast := llm.WrapWithRetryAndHealth(llm.NewOpenAIClient(cfg.Provider.FastModel, clientCfg), retryCfg, breakerCfg, a.health)
	a.smart = smart

	execOpts := []tools.ExecutorOption{tools.WithMetrics(a.metrics)}
	if a.tracer != nil {
		execOpts = append(execOpts, tools.WithTracing(a.tracer))
	}
	executor := tools.NewExecutor(registry, toolLogger, execOpts...)

	provOpts := []provider.Option{
		provider.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		provider.WithContextBudget(cfg.Orchestrator.ContextBudget),
		provider.WithMetrics(a.metrics),
	}
	if a.tracer != nil {
		provOpts = append(provOpts, provider.WithTracing(a.tracer))
	}
	prov := provider.New(provider.Clients{Smart: smart, Fast: fast}, a.stores, executor, library,
		logging.NewComponentLogger("provider"), provOpts...)

	a.coord = coordinator.New(a.stores, a.bus, logging.NewComponentLogger("coordinator"),
		coordinator.WithParallelismCap(cfg.Orchestrator.MaxParallelism))

	orchOpts := []orchestrator.Option{orchestrator.WithMaxWaves(cfg.Orchestrator.MaxWaves)}
	if a.tracer != nil {
		orchOpts = append(orchOpts, orchestrator.WithTracing(a.tracer))
	}
	a.orch = orchestrator.New(a.stores, a.coord, prov, a.bus,
		logging.NewComponentLogger("orchestrator"), orchOpts...)

	return a, nil
}

// Close releases background resources in reverse construction order.
func (a *app) Close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
}
