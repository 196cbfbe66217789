// Package config resolves and validates the immutable configuration
// bundle worketl runs with: source, sink, ETL tuning knobs, backfill
// parallelism, and AI endpoint behavior, loaded
// from a YAML file overlaid with environment variables and a
// Default() baseline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	werrors "github.com/medsync/worketl/internal/errors"
	"gopkg.in/yaml.v3"
)

// Authenticator enumerates the source warehouse auth variants from
// spec.md §4.2; the client selects exactly one at construction time.
type Authenticator string

const (
	AuthPassword        Authenticator = "password"
	AuthExternalBrowser Authenticator = "externalbrowser"
	AuthOAuth           Authenticator = "oauth"
)

// BudgetPolicy controls C7's behavior once cost_alert_usd is exceeded.
type BudgetPolicy string

const (
	// BudgetHardGate is the spec's documented default (Open Question,
	// spec.md §9): reject further AI calls with a Budget error. The
	// orchestrators then store the rows without enrichment rather than
	// failing the run.
	BudgetHardGate BudgetPolicy = "hard_gate"
	// BudgetSoftDegrade keeps making AI calls after the threshold is
	// crossed; only the one-time cost alert fires, and no enrichment is
	// skipped.
	BudgetSoftDegrade BudgetPolicy = "soft_degrade"
)

// SourceConfig holds warehouse connection settings (spec.md §4.1).
type SourceConfig struct {
	Account       string
	User          string
	Warehouse     string
	Database      string
	Schema        string
	Authenticator Authenticator
	Password      string
	Token         string
}

// SinkConfig holds the operational relational store's connection pool
// sizing (spec.md §4.1, §6).
type SinkConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

// ETLConfig holds per-run tuning knobs (spec.md §4.1).
type ETLConfig struct {
	BatchSize              int
	MaxRetries             int
	RetryDelaySeconds      int
	WatermarkTable         string
	DeadLetterRetentionDays int
	// SLOSeconds bounds a single table run's wall-clock duration before
	// the reporter fires AlertSLOExceeded (spec.md §4.10).
	SLOSeconds int
	// LockTimeoutSeconds bounds the orchestrator's call to the sink's
	// per-table advisory lock (sink.Writer.AcquireTableLock), taken
	// before BeginRun. The lock is tried once, not waited for: a lock
	// held by another run fails at once.
	LockTimeoutSeconds int
}

// BackfillConfig holds the historical-backfill parallelism envelope
// (spec.md §4.1, §4.9).
type BackfillConfig struct {
	EnableParallel    bool
	MaxWorkers        int
	ConnectionPoolSize int
	MaxMemoryMB       int
}

// AIConfig holds the AI enrichment client's behavior knobs (spec.md
// §4.1, §4.7).
type AIConfig struct {
	Endpoint        string
	Deployment      string
	ModelVersion    string
	RateLimitRPS    float64
	TimeoutMS       int
	CostAlertUSD    float64
	EnablePrometheus bool
	BudgetPolicy    BudgetPolicy
	CacheSize       int
	RedisAddr       string // optional second-level cache, empty disables it
	// MaxTokensPerRequest bounds how many (approximate) tokens of input
	// text ExtractBatch/EmbedBatch pack into a single provider call
	// before starting a new chunk (spec.md §4.7).
	MaxTokensPerRequest int
}

// Config is the fully-resolved, immutable bundle C1 exposes to every
// other component.
type Config struct {
	Source   SourceConfig
	Sink     SinkConfig
	ETL      ETLConfig
	Backfill BackfillConfig
	AI       AIConfig
}

// Default returns a config with the defaults documented in spec.md §4.1.
func Default() Config {
	return Config{
		ETL: ETLConfig{
			BatchSize:              1000,
			MaxRetries:             3,
			RetryDelaySeconds:      1,
			WatermarkTable:         "etl_metadata",
			DeadLetterRetentionDays: 30,
			SLOSeconds:             3600,
			LockTimeoutSeconds:     10,
		},
		Backfill: BackfillConfig{
			EnableParallel:     true,
			MaxWorkers:         4,
			ConnectionPoolSize: 8,
			MaxMemoryMB:        1024,
		},
		AI: AIConfig{
			RateLimitRPS:        5,
			TimeoutMS:           30000,
			CostAlertUSD:        50,
			EnablePrometheus:    true,
			BudgetPolicy:        BudgetHardGate,
			CacheSize:           10000,
			MaxTokensPerRequest: 8000,
		},
		Sink: SinkConfig{
			PoolSize: 8,
		},
	}
}

// fileOverlay is the optional YAML config-file shape. It is applied
// section by section: a section replaces the Default() section whole
// when its key field is set (Source.Account, Sink.Host, ETL.BatchSize,
// Backfill.MaxWorkers, AI.Endpoint), so fields left out of that section
// are zero rather than their defaults; a section whose key field is
// unset is ignored. The environment takes final precedence.
type fileOverlay struct {
	Source   SourceConfig   `yaml:"source"`
	Sink     SinkConfig     `yaml:"sink"`
	ETL      ETLConfig      `yaml:"etl"`
	Backfill BackfillConfig `yaml:"backfill"`
	AI       AIConfig       `yaml:"ai"`
}

// Load resolves a Config starting from Default(), overlaying an
// optional YAML file, then the WORKETL_* environment variables, and
// finally validates the result. Precedence: env > file > default.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, werrors.NewConfigError(
				"Cannot read config file",
				fmt.Sprintf("failed to read %s", yamlPath),
				"check the path passed to --config",
				err,
			)
		}
		var overlay fileOverlay
		if err := yaml.Unmarshal(b, &overlay); err != nil {
			return Config{}, werrors.NewConfigError(
				"Invalid config file",
				fmt.Sprintf("failed to parse %s as YAML", yamlPath),
				"",
				err,
			)
		}
		applyOverlay(&cfg, overlay)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.Source.Account != "" {
		cfg.Source = o.Source
	}
	if o.Sink.Host != "" {
		cfg.Sink = o.Sink
	}
	if o.ETL.BatchSize != 0 {
		cfg.ETL = o.ETL
	}
	if o.Backfill.MaxWorkers != 0 {
		cfg.Backfill = o.Backfill
	}
	if o.AI.Endpoint != "" {
		cfg.AI = o.AI
	}
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("WORKETL_SOURCE_ACCOUNT", &cfg.Source.Account)
	str("WORKETL_SOURCE_USER", &cfg.Source.User)
	str("WORKETL_SOURCE_WAREHOUSE", &cfg.Source.Warehouse)
	str("WORKETL_SOURCE_DATABASE", &cfg.Source.Database)
	str("WORKETL_SOURCE_SCHEMA", &cfg.Source.Schema)
	if v := os.Getenv("WORKETL_SOURCE_AUTHENTICATOR"); v != "" {
		cfg.Source.Authenticator = Authenticator(v)
	}
	str("WORKETL_SOURCE_PASSWORD", &cfg.Source.Password)
	str("WORKETL_SOURCE_TOKEN", &cfg.Source.Token)

	str("WORKETL_SINK_HOST", &cfg.Sink.Host)
	num("WORKETL_SINK_PORT", &cfg.Sink.Port)
	str("WORKETL_SINK_USER", &cfg.Sink.User)
	str("WORKETL_SINK_PASSWORD", &cfg.Sink.Password)
	str("WORKETL_SINK_DATABASE", &cfg.Sink.Database)
	num("WORKETL_SINK_POOL_SIZE", &cfg.Sink.PoolSize)

	num("WORKETL_ETL_BATCH_SIZE", &cfg.ETL.BatchSize)
	num("WORKETL_ETL_MAX_RETRIES", &cfg.ETL.MaxRetries)
	num("WORKETL_ETL_RETRY_DELAY_SECONDS", &cfg.ETL.RetryDelaySeconds)
	str("WORKETL_ETL_WATERMARK_TABLE", &cfg.ETL.WatermarkTable)
	num("WORKETL_ETL_SLO_SECONDS", &cfg.ETL.SLOSeconds)
	num("WORKETL_ETL_LOCK_TIMEOUT_SECONDS", &cfg.ETL.LockTimeoutSeconds)

	num("WORKETL_BACKFILL_MAX_WORKERS", &cfg.Backfill.MaxWorkers)
	num("WORKETL_BACKFILL_CONNECTION_POOL_SIZE", &cfg.Backfill.ConnectionPoolSize)
	num("WORKETL_BACKFILL_MAX_MEMORY_MB", &cfg.Backfill.MaxMemoryMB)
	if v := os.Getenv("WORKETL_BACKFILL_ENABLE_PARALLEL"); v != "" {
		cfg.Backfill.EnableParallel = v == "true" || v == "1"
	}

	str("WORKETL_AI_ENDPOINT", &cfg.AI.Endpoint)
	str("WORKETL_AI_DEPLOYMENT", &cfg.AI.Deployment)
	str("WORKETL_AI_MODEL_VERSION", &cfg.AI.ModelVersion)
	flt("WORKETL_AI_RATE_LIMIT_RPS", &cfg.AI.RateLimitRPS)
	num("WORKETL_AI_TIMEOUT_MS", &cfg.AI.TimeoutMS)
	flt("WORKETL_AI_COST_ALERT_USD", &cfg.AI.CostAlertUSD)
	num("WORKETL_AI_MAX_TOKENS_PER_REQUEST", &cfg.AI.MaxTokensPerRequest)
	if v := os.Getenv("WORKETL_AI_BUDGET_POLICY"); v != "" {
		cfg.AI.BudgetPolicy = BudgetPolicy(v)
	}
	str("WORKETL_AI_REDIS_ADDR", &cfg.AI.RedisAddr)
}

// Validate fails fast per spec.md §4.1: required fields missing, ports
// non-numeric (structurally impossible here since Port is already an
// int; instead we check it is in range), or an authenticator/credential
// combination is inconsistent.
func (c Config) Validate() error {
	if c.Source.Account == "" {
		return werrors.NewConfigError("Missing source account", "WORKETL_SOURCE_ACCOUNT is required", "set the warehouse account identifier", nil)
	}
	if c.Source.Authenticator == "" {
		c.Source.Authenticator = AuthPassword
	}
	switch c.Source.Authenticator {
	case AuthPassword:
		if c.Source.Password == "" {
			return werrors.NewConfigError("Inconsistent source credentials", "authenticator=password requires WORKETL_SOURCE_PASSWORD", "set a password or switch authenticator", nil)
		}
	case AuthOAuth:
		if c.Source.Token == "" {
			return werrors.NewConfigError("Inconsistent source credentials", "authenticator=oauth requires WORKETL_SOURCE_TOKEN", "set an OAuth token or switch authenticator", nil)
		}
	case AuthExternalBrowser:
		// interactive; no stored credential required.
	default:
		return werrors.NewConfigError("Unknown authenticator", fmt.Sprintf("authenticator %q is not one of password, externalbrowser, oauth", c.Source.Authenticator), "", nil)
	}

	if c.Sink.Host == "" {
		return werrors.NewConfigError("Missing sink host", "WORKETL_SINK_HOST is required", "", nil)
	}
	if c.Sink.Port <= 0 || c.Sink.Port > 65535 {
		return werrors.NewConfigError("Invalid sink port", fmt.Sprintf("port %d is out of range", c.Sink.Port), "set WORKETL_SINK_PORT to 1-65535", nil)
	}
	if c.Sink.Database == "" {
		return werrors.NewConfigError("Missing sink database", "WORKETL_SINK_DATABASE is required", "", nil)
	}
	if c.Sink.PoolSize <= 0 {
		return werrors.NewConfigError("Invalid sink pool size", "pool size must be positive", "", nil)
	}

	if c.ETL.BatchSize <= 0 {
		return werrors.NewConfigError("Invalid batch size", "ETL.BatchSize must be positive", "", nil)
	}
	if c.ETL.MaxRetries < 0 {
		return werrors.NewConfigError("Invalid max retries", "ETL.MaxRetries cannot be negative", "", nil)
	}

	if c.Backfill.MaxWorkers <= 0 {
		return werrors.NewConfigError("Invalid backfill worker count", "Backfill.MaxWorkers must be positive", "", nil)
	}

	if c.AI.BudgetPolicy != BudgetHardGate && c.AI.BudgetPolicy != BudgetSoftDegrade {
		return werrors.NewConfigError("Unknown AI budget policy", fmt.Sprintf("%q is not hard_gate or soft_degrade", c.AI.BudgetPolicy), "", nil)
	}
	if c.AI.MaxTokensPerRequest <= 0 {
		return werrors.NewConfigError("Invalid AI max tokens per request", "AI.MaxTokensPerRequest must be positive", "", nil)
	}

	return nil
}

// RetryDelay returns the configured base retry delay as a Duration.
func (c ETLConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// SLO returns the configured per-run duration budget as a Duration.
func (c ETLConfig) SLO() time.Duration {
	return time.Duration(c.SLOSeconds) * time.Second
}

// LockTimeout returns the configured advisory-lock wait bound as a Duration.
func (c ETLConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}
