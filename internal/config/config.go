package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegisstack/aegis-ir/internal/models"
)

// Config captures the settings required to boot the incident-response engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Signal        SignalConfig        `yaml:"signal"`
	Detector      DetectorConfig      `yaml:"detector"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Investigation InvestigationConfig `yaml:"investigation"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Remediation   RemediationConfig   `yaml:"remediation"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Journal       JournalConfig       `yaml:"journal"`
	Notify        NotifyConfig        `yaml:"notify"`
	Logging       LoggingConfig       `yaml:"logging"`
	Cache         CacheConfig         `yaml:"cache"`
}

// ServerConfig controls the ops listeners.
type ServerConfig struct {
	OpsAddress      string        `yaml:"opsAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// SignalConfig configures access to the metric/log/trace query backend.
type SignalConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	QueryPath   string        `yaml:"queryPath"`
	LogsPath    string        `yaml:"logsPath"`
	TracesPath  string        `yaml:"tracesPath"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	DefaultStep time.Duration `yaml:"defaultStep"`
}

// MetricQueryConfig names one metric series the detector watches.
type MetricQueryConfig struct {
	Name    string        `yaml:"name"`
	Query   string        `yaml:"query"`
	Service string        `yaml:"service"`
	Step    time.Duration `yaml:"step"`
}

// MultivariateConfig controls the joint outlier detector.
type MultivariateConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Features         []string `yaml:"features"`
	ScoreThreshold   float64  `yaml:"scoreThreshold"`
	ContributionDrop float64  `yaml:"contributionDrop"`
	ONNXModelPath    string   `yaml:"onnxModelPath"`
}

// DetectorConfig controls anomaly detection.
type DetectorConfig struct {
	PollInterval     time.Duration       `yaml:"pollInterval"`
	TrailingWindow   time.Duration       `yaml:"trailingWindow"`
	RetrainInterval  time.Duration       `yaml:"retrainInterval"`
	MinSamples       int                 `yaml:"minSamples"`
	SensitivityFloor float64             `yaml:"sensitivityFloor"`
	Queries          []MetricQueryConfig `yaml:"queries"`
	Multivariate     MultivariateConfig  `yaml:"multivariate"`
}

// AggregatorConfig controls anomaly grouping and dedup.
type AggregatorConfig struct {
	Window         time.Duration `yaml:"window"`
	DedupWindow    time.Duration `yaml:"dedupWindow"`
	InputCapacity  int           `yaml:"inputCapacity"`
	MaxGroupSize   int           `yaml:"maxGroupSize"`
	DedupIndexSize int           `yaml:"dedupIndexSize"`
}

// InvestigationConfig controls the fan-out coordinator.
type InvestigationConfig struct {
	InvestigatorTimeout time.Duration `yaml:"investigatorTimeout"`
}

// CorrelationConfig controls root-cause synthesis.
type CorrelationConfig struct {
	ConfidenceFloor float64 `yaml:"confidenceFloor"`
}

// BreakerConfig controls the per-action-kind circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Window           time.Duration `yaml:"window"`
}

// VerifyConfig controls post-execution verification policy.
type VerifyConfig struct {
	Settle time.Duration `yaml:"settle"`
}

// RemediationConfig controls action selection and execution.
type RemediationConfig struct {
	PolicyPath      string        `yaml:"policyPath"`
	MaxRisk         string        `yaml:"maxRisk"`
	ExecutorBaseURL string        `yaml:"executorBaseURL"`
	ActionTimeout   time.Duration `yaml:"actionTimeout"`
	ExecuteRetries  int           `yaml:"executeRetries"`
	Breaker         BreakerConfig `yaml:"breaker"`
	Verify          VerifyConfig  `yaml:"verify"`
}

// EscalationConfig holds the per-severity operating policies.
type EscalationConfig struct {
	PolicyPath string                                    `yaml:"policyPath"`
	Policies   map[models.Severity]models.SeverityPolicy `yaml:"policies"`
}

// WeaviateConfig configures the similarity search cluster.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
}

// KnowledgeConfig controls the incident knowledge store.
type KnowledgeConfig struct {
	Backend             string         `yaml:"backend"`
	Weaviate            WeaviateConfig `yaml:"weaviate"`
	SimilarityThreshold float64        `yaml:"similarityThreshold"`
	TopK                int            `yaml:"topK"`
	EmbeddingDim        int            `yaml:"embeddingDim"`
}

// ReasoningConfig controls the natural-language reasoning capability.
type ReasoningConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"apiKey"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// OrchestratorConfig bounds the incident worker pool.
type OrchestratorConfig struct {
	MaxWorkers int `yaml:"maxWorkers"`
}

// JournalConfig controls incident snapshot persistence.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NotifyConfig configures the escalation notification sink.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of expensive lookups.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	TLS            bool          `yaml:"tls"`
	SimilarityTTL  time.Duration `yaml:"similarityTTL"`
	SuccessRateTTL time.Duration `yaml:"successRateTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("AEGIS_IR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			OpsAddress:      ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Signal: SignalConfig{
			QueryPath:   "/api/v1/query_range",
			LogsPath:    "/api/v1/logs",
			TracesPath:  "/api/v1/traces",
			Timeout:     5 * time.Second,
			MaxRetries:  3,
			DefaultStep: time.Minute,
		},
		Detector: DetectorConfig{
			PollInterval:     time.Minute,
			TrailingWindow:   24 * time.Hour,
			RetrainInterval:  24 * time.Hour,
			MinSamples:       100,
			SensitivityFloor: 2.0,
			Multivariate: MultivariateConfig{
				Features:         []string{"cpu_usage", "memory_usage", "error_rate", "latency_p99"},
				ScoreThreshold:   3.0,
				ContributionDrop: 0.2,
			},
		},
		Aggregator: AggregatorConfig{
			Window:         5 * time.Minute,
			DedupWindow:    15 * time.Minute,
			InputCapacity:  256,
			MaxGroupSize:   256,
			DedupIndexSize: 1024,
		},
		Investigation: InvestigationConfig{InvestigatorTimeout: 30 * time.Second},
		Correlation:   CorrelationConfig{ConfidenceFloor: 0.5},
		Remediation: RemediationConfig{
			MaxRisk:        "medium",
			ActionTimeout:  2 * time.Minute,
			ExecuteRetries: 2,
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				Window:           10 * time.Minute,
			},
			Verify: VerifyConfig{
				Settle: time.Minute,
			},
		},
		Escalation: EscalationConfig{Policies: DefaultSeverityPolicies()},
		Knowledge: KnowledgeConfig{
			Backend:             "memory",
			Weaviate:            WeaviateConfig{Class: "IncidentKnowledge", Timeout: 5 * time.Second},
			SimilarityThreshold: 0.7,
			TopK:                3,
			EmbeddingDim:        256,
		},
		Reasoning: ReasoningConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
			Timeout:   30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{MaxWorkers: 8},
		Journal:      JournalConfig{Enabled: true, Dir: "data/journal"},
		Notify:       NotifyConfig{Timeout: 5 * time.Second},
		Logging:      LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:        false,
			DialTimeout:    2 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			WriteTimeout:   500 * time.Millisecond,
			MaxRetries:     2,
			SimilarityTTL:  2 * time.Minute,
			SuccessRateTTL: 5 * time.Minute,
		},
	}
}

// DefaultSeverityPolicies returns the built-in per-severity operating
// limits applied when the config names none.
func DefaultSeverityPolicies() map[models.Severity]models.SeverityPolicy {
	return map[models.Severity]models.SeverityPolicy{
		models.SeverityLow: {
			ConfidenceThreshold: 0.5,
			MaxAttempts:         3,
			SLATargetMinutes:    240,
			Channels:            []string{"slack-oncall"},
		},
		models.SeverityMedium: {
			ConfidenceThreshold: 0.6,
			MaxAttempts:         3,
			SLATargetMinutes:    120,
			Channels:            []string{"slack-oncall"},
		},
		models.SeverityHigh: {
			ConfidenceThreshold: 0.7,
			MaxAttempts:         2,
			SLATargetMinutes:    60,
			Channels:            []string{"slack-oncall", "pagerduty"},
		},
		models.SeverityCritical: {
			ConfidenceThreshold: 0.8,
			MaxAttempts:         1,
			SLATargetMinutes:    30,
			Channels:            []string{"slack-oncall", "pagerduty", "email-leadership"},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_IR_OPS_ADDRESS"); v != "" {
		cfg.Server.OpsAddress = v
	}
	if v := os.Getenv("AEGIS_IR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("AEGIS_IR_SIGNAL_BASE_URL"); v != "" {
		cfg.Signal.BaseURL = v
	}
	if v := os.Getenv("AEGIS_IR_SIGNAL_QUERY_PATH"); v != "" {
		cfg.Signal.QueryPath = v
	}
	if v := os.Getenv("AEGIS_IR_SIGNAL_LOGS_PATH"); v != "" {
		cfg.Signal.LogsPath = v
	}
	if v := os.Getenv("AEGIS_IR_SIGNAL_TRACES_PATH"); v != "" {
		cfg.Signal.TracesPath = v
	}
	if v := os.Getenv("AEGIS_IR_WEAVIATE_URL"); v != "" {
		cfg.Knowledge.Weaviate.Endpoint = v
	}
	if v := os.Getenv("AEGIS_IR_WEAVIATE_API_KEY"); v != "" {
		cfg.Knowledge.Weaviate.APIKey = v
	}
	if v := os.Getenv("AEGIS_IR_KNOWLEDGE_BACKEND"); v != "" {
		cfg.Knowledge.Backend = v
	}
	if v := os.Getenv("AEGIS_IR_REASONING_PROVIDER"); v != "" {
		cfg.Reasoning.Provider = v
	}
	if v := os.Getenv("AEGIS_IR_REASONING_MODEL"); v != "" {
		cfg.Reasoning.Model = v
	}
	if v := os.Getenv("AEGIS_IR_ANTHROPIC_API_KEY"); v != "" {
		cfg.Reasoning.APIKey = v
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Reasoning.APIKey == "" {
		cfg.Reasoning.APIKey = v
	}
	if v := os.Getenv("AEGIS_IR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AEGIS_IR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("AEGIS_IR_REMEDIATION_POLICY_PATH"); v != "" {
		cfg.Remediation.PolicyPath = v
	}
	if v := os.Getenv("AEGIS_IR_ESCALATION_POLICY_PATH"); v != "" {
		cfg.Escalation.PolicyPath = v
	}
	if v := os.Getenv("AEGIS_IR_EXECUTOR_BASE_URL"); v != "" {
		cfg.Remediation.ExecutorBaseURL = v
	}
	if v := os.Getenv("AEGIS_IR_JOURNAL_DIR"); v != "" {
		cfg.Journal.Dir = v
	}
	if v := os.Getenv("AEGIS_IR_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("AEGIS_IR_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxWorkers = n
		}
	}
	if v := os.Getenv("AEGIS_IR_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("AEGIS_IR_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("AEGIS_IR_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("AEGIS_IR_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("AEGIS_IR_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("AEGIS_IR_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("AEGIS_IR_DETECTOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.PollInterval = d
		}
	}
	if v := os.Getenv("AEGIS_IR_AGGREGATOR_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.Window = d
		}
	}
	if v := os.Getenv("AEGIS_IR_AGGREGATOR_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.DedupWindow = d
		}
	}
	if v := os.Getenv("AEGIS_IR_VERIFY_SETTLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.Verify.Settle = d
		}
	}
}
