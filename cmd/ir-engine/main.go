package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	osignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisstack/aegis-ir/internal/aggregator"
	"github.com/aegisstack/aegis-ir/internal/api"
	"github.com/aegisstack/aegis-ir/internal/cache"
	"github.com/aegisstack/aegis-ir/internal/config"
	"github.com/aegisstack/aegis-ir/internal/correlation"
	"github.com/aegisstack/aegis-ir/internal/detector"
	"github.com/aegisstack/aegis-ir/internal/escalation"
	"github.com/aegisstack/aegis-ir/internal/investigation"
	"github.com/aegisstack/aegis-ir/internal/knowledge"
	"github.com/aegisstack/aegis-ir/internal/metrics"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/orchestrator"
	"github.com/aegisstack/aegis-ir/internal/orchestrator/journal"
	"github.com/aegisstack/aegis-ir/internal/postmortem"
	"github.com/aegisstack/aegis-ir/internal/reasoning"
	"github.com/aegisstack/aegis-ir/internal/remediation"
	"github.com/aegisstack/aegis-ir/internal/signal"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting aegis-ir", slog.String("address", cfg.Server.OpsAddress))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	source := signal.NewRetryingSource(
		signal.NewHTTPClient(
			cfg.Signal.BaseURL,
			cfg.Signal.QueryPath,
			cfg.Signal.LogsPath,
			cfg.Signal.TracesPath,
			cfg.Signal.Timeout,
		),
		cfg.Signal.MaxRetries,
	)

	queries := buildQueries(cfg)
	if len(queries) == 0 {
		logger.Error("no metric queries configured, nothing to watch")
		os.Exit(1)
	}

	det := detector.New(source, detector.Options{
		TrailingWindow:   cfg.Detector.TrailingWindow,
		RetrainInterval:  cfg.Detector.RetrainInterval,
		MinSamples:       cfg.Detector.MinSamples,
		SensitivityFloor: cfg.Detector.SensitivityFloor,
		Logger:           logger,
	})
	multi := buildMultivariate(cfg, source, queries, logger)

	anomalies := make(chan models.Anomaly, cfg.Aggregator.InputCapacity)
	poller := detector.NewPoller(det, multi, queries, anomalies, detector.PollerOptions{
		Interval: cfg.Detector.PollInterval,
		Logger:   logger,
	})

	agg := aggregator.New(anomalies, aggregator.Options{
		Window:         cfg.Aggregator.Window,
		DedupWindow:    cfg.Aggregator.DedupWindow,
		MaxGroupSize:   cfg.Aggregator.MaxGroupSize,
		DedupIndexSize: cfg.Aggregator.DedupIndexSize,
		Logger:         logger,
	})

	reasoner := buildReasoner(cfg, logger)

	coordinator := investigation.NewCoordinator([]investigation.Investigator{
		investigation.NewLogInvestigator(source),
		investigation.NewMetricInvestigator(source, queries),
		investigation.NewTraceInvestigator(source),
	}, investigation.Options{
		Timeout: cfg.Investigation.InvestigatorTimeout,
		Logger:  logger,
	})

	correlator := correlation.New(reasoner, correlation.Options{
		ConfidenceFloor: cfg.Correlation.ConfidenceFloor,
		Logger:          logger,
	})

	store := buildKnowledge(cfg, cacheProvider, logger)

	policy, err := remediation.LoadPolicy(cfg.Remediation.PolicyPath)
	if err != nil {
		logger.Error("failed to load remediation policy",
			slog.String("path", cfg.Remediation.PolicyPath), slog.Any("error", err))
		os.Exit(1)
	}
	executors := remediation.NewRegistry()
	if cfg.Remediation.ExecutorBaseURL != "" {
		executors.RegisterHTTP(policy, remediation.NewHTTPExecutor(cfg.Remediation.ExecutorBaseURL))
	} else {
		logger.Warn("no executor base URL configured, remediation actions cannot execute")
	}
	remEngine := remediation.New(policy, remediation.Options{
		Executors:      executors,
		Verifier:       remediation.NewVerifier(poller, cfg.Remediation.Verify.Settle, nil, logger),
		Breaker:        remediation.NewBreaker(cfg.Remediation.Breaker.FailureThreshold, cfg.Remediation.Breaker.Window, nil),
		Advisor:        store,
		Classifier:     reasoner,
		MaxRisk:        models.ParseRiskLevel(cfg.Remediation.MaxRisk),
		ActionTimeout:  cfg.Remediation.ActionTimeout,
		ExecuteRetries: cfg.Remediation.ExecuteRetries,
		Logger:         logger,
	})

	policies, err := escalation.LoadPolicies(cfg.Escalation.PolicyPath)
	if err != nil {
		logger.Error("failed to load escalation policies",
			slog.String("path", cfg.Escalation.PolicyPath), slog.Any("error", err))
		os.Exit(1)
	}
	if policies == nil {
		policies = cfg.Escalation.Policies
	}
	evaluator := escalation.NewEvaluator(policies)
	notifier := escalation.NewNotifier(cfg.Notify, logger)

	composer := postmortem.New(reasoner, postmortem.Options{Logger: logger})

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.New(cfg.Journal.Dir, logger)
		if err != nil {
			logger.Error("failed to open incident journal",
				slog.String("dir", cfg.Journal.Dir), slog.Any("error", err))
			os.Exit(1)
		}
	}

	orch := orchestrator.New(orchestrator.Dependencies{
		Investigator: coordinator,
		Correlator:   correlator,
		Remediator:   remEngine,
		Evaluator:    evaluator,
		Notifier:     notifier,
		Composer:     composer,
		Archiver:     store,
		Journal:      jnl,
	}, orchestrator.Options{
		MaxWorkers: cfg.Orchestrator.MaxWorkers,
		Logger:     logger,
	})

	server, err := api.NewServer(cfg.Server)
	if err != nil {
		logger.Error("failed to create ops server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("ops server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	var pipeline sync.WaitGroup
	pipeline.Add(3)
	go func() {
		defer pipeline.Done()
		poller.Run(ctx)
	}()
	go func() {
		defer pipeline.Done()
		agg.Run(ctx)
	}()
	go func() {
		defer pipeline.Done()
		orch.Run(ctx, agg.Candidates())
	}()

	server.SetReady(true)
	logger.Info("pipeline running",
		slog.Int("queries", len(queries)),
		slog.Bool("multivariate", multi != nil),
		slog.Bool("journal", jnl != nil),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	drained := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Server.GracefulTimeout):
		logger.Warn("pipeline drain timed out")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("aegis-ir stopped")
}

// buildQueries maps the configured watch list into detector queries,
// defaulting each step to the signal client's default.
func buildQueries(cfg *config.Config) []detector.Query {
	queries := make([]detector.Query, 0, len(cfg.Detector.Queries))
	for _, q := range cfg.Detector.Queries {
		step := q.Step
		if step <= 0 {
			step = cfg.Signal.DefaultStep
		}
		queries = append(queries, detector.Query{
			Name:    q.Name,
			Expr:    q.Query,
			Service: q.Service,
			Step:    step,
		})
	}
	return queries
}

// buildMultivariate wires the correlated-outlier detector when enabled.
// Feature names must refer to watched queries; unknown names are skipped
// so one typo does not disable the whole detector.
func buildMultivariate(cfg *config.Config, source signal.Source, queries []detector.Query, logger *slog.Logger) *detector.Multivariate {
	mv := cfg.Detector.Multivariate
	if !mv.Enabled {
		return nil
	}

	byName := make(map[string]detector.Query, len(queries))
	for _, q := range queries {
		byName[q.Name] = q
	}
	features := make([]detector.Query, 0, len(mv.Features))
	for _, name := range mv.Features {
		q, ok := byName[name]
		if !ok {
			logger.Warn("multivariate feature not among watched queries", slog.String("feature", name))
			continue
		}
		features = append(features, q)
	}
	if len(features) == 0 {
		logger.Warn("multivariate detection enabled but no usable features")
		return nil
	}

	var model detector.OutlierModel
	if mv.ONNXModelPath != "" {
		onnx, err := detector.NewONNXOutlierModel(mv.ONNXModelPath, len(features))
		if err != nil {
			logger.Warn("onnx outlier model unavailable, using built-in scorer",
				slog.String("path", mv.ONNXModelPath), slog.Any("error", err))
		} else {
			model = onnx
		}
	}

	return detector.NewMultivariate(source, detector.MultivariateOptions{
		Features:         features,
		ScoreThreshold:   mv.ScoreThreshold,
		ContributionDrop: mv.ContributionDrop,
		TrailingWindow:   cfg.Detector.TrailingWindow,
		RetrainInterval:  cfg.Detector.RetrainInterval,
		Logger:           logger,
		Model:            model,
	})
}

// buildReasoner picks the configured reasoning backend, falling back to
// the deterministic rule engine when no API key is present.
func buildReasoner(cfg *config.Config, logger *slog.Logger) reasoning.Capability {
	var base reasoning.Capability
	switch {
	case cfg.Reasoning.Provider == "anthropic" && cfg.Reasoning.APIKey != "":
		base = reasoning.NewAnthropicClient(cfg.Reasoning.APIKey, cfg.Reasoning.Model, cfg.Reasoning.MaxTokens)
	default:
		if cfg.Reasoning.Provider == "anthropic" {
			logger.Warn("anthropic provider selected without an API key, using rule engine")
		}
		base = reasoning.NewRuleEngine()
	}
	return reasoning.WithTimeout(base, cfg.Reasoning.Timeout)
}

// buildKnowledge wires the incident archive against the configured backend.
func buildKnowledge(cfg *config.Config, cacheProvider cache.Provider, logger *slog.Logger) *knowledge.Store {
	var backend knowledge.Backend
	if cfg.Knowledge.Backend == "weaviate" && cfg.Knowledge.Weaviate.Endpoint != "" {
		backend = knowledge.NewWeaviateBackend(
			cfg.Knowledge.Weaviate.Endpoint,
			cfg.Knowledge.Weaviate.APIKey,
			cfg.Knowledge.Weaviate.Class,
			cfg.Knowledge.Weaviate.Timeout,
			cacheProvider,
			cfg.Cache.SimilarityTTL,
			cfg.Cache.SuccessRateTTL,
		)
	} else {
		if cfg.Knowledge.Backend == "weaviate" {
			logger.Warn("weaviate backend selected without an endpoint, using in-memory store")
		}
		backend = knowledge.NewMemoryBackend()
	}
	return knowledge.NewStore(backend, knowledge.NewEmbedder(cfg.Knowledge.EmbeddingDim), knowledge.Options{
		SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		TopK:                cfg.Knowledge.TopK,
		Logger:              logger,
	})
}
