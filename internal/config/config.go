// Package config loads and validates taskmux configuration from
// $TASKMUX_HOME/config.yaml. Every field has a working default so a missing
// file yields a usable config; a present file is schema-validated before any
// value is trusted.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig tunes task execution.
type OrchestratorConfig struct {
	// MaxConcurrent is the global running-task ceiling.
	MaxConcurrent int `yaml:"max_concurrent"`
	// DefaultTimeoutSeconds bounds one task execution.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	// MaxRetries bounds retry attempts after the first try.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelayMs is the backoff base in milliseconds.
	RetryDelayMs int `yaml:"retry_delay_ms"`
	// MaxPayloadKB rejects oversized task payloads at submission.
	MaxPayloadKB int `yaml:"max_payload_kb"`
}

// LimiterConfig tunes the per-client rate limiter.
type LimiterConfig struct {
	TokensPerMinute        int `yaml:"tokens_per_minute"`
	MaxConcurrentPerClient int `yaml:"max_concurrent_per_client"`
	// BucketTTLMinutes is how long an idle client bucket survives the reaper.
	BucketTTLMinutes int `yaml:"bucket_ttl_minutes"`
}

// PoolConfig tunes the SQLite connection pool.
type PoolConfig struct {
	Size                  int `yaml:"size"`
	BusyTimeoutSeconds    int `yaml:"busy_timeout_seconds"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
	MaxQueueSize          int `yaml:"max_queue_size"`
}

// LoopGuardConfig tunes delegation-chain validation.
type LoopGuardConfig struct {
	MaxDepth       int `yaml:"max_depth"`
	MaxChainLength int `yaml:"max_chain_length"`
	// BlockedPairs deny specific "caller->target" dispatches; "*" wildcards
	// either side.
	BlockedPairs []string `yaml:"blocked_pairs"`
}

// EngineConfig describes one HTTP inference backend.
type EngineConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the bearer token.
	// Empty means unauthenticated.
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MaintenanceConfig tunes the background janitor.
type MaintenanceConfig struct {
	// CleanupSchedule is a cron expression for the expiry sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
	// ReapIdleMinutes is the idle cutoff for limiter bucket reaping.
	ReapIdleMinutes int `yaml:"reap_idle_minutes"`
}

// OtelConfig mirrors the telemetry provider's knobs.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// AuthToken protects the HTTP API when non-empty. The TASKMUX_AUTH_TOKEN
	// env var overrides it so tokens can stay out of the file.
	AuthToken string `yaml:"auth_token"`
	// DBPath overrides the default <home>/taskmux.db location.
	DBPath string `yaml:"db_path"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Limiter      LimiterConfig      `yaml:"limiter"`
	Pool         PoolConfig         `yaml:"pool"`
	LoopGuard    LoopGuardConfig    `yaml:"loop_guard"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Otel         OtelConfig         `yaml:"otel"`

	Engines []EngineConfig `yaml:"engines"`
	// DefaultEngines maps a task type to the engine that handles it when the
	// task names none.
	DefaultEngines map[string]string `yaml:"default_engines"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:         50,
			DefaultTimeoutSeconds: int((2 * time.Minute).Seconds()),
			MaxRetries:            3,
			RetryDelayMs:          1000,
			MaxPayloadKB:          256,
		},
		Limiter: LimiterConfig{
			TokensPerMinute:        100,
			MaxConcurrentPerClient: 10,
			BucketTTLMinutes:       10,
		},
		Pool: PoolConfig{
			Size:                  4,
			BusyTimeoutSeconds:    10,
			AcquireTimeoutSeconds: 30,
			MaxQueueSize:          1000,
		},
		LoopGuard: LoopGuardConfig{
			MaxDepth: 5,
		},
		Maintenance: MaintenanceConfig{
			CleanupSchedule: "*/5 * * * *",
			ReapIdleMinutes: 10,
		},
	}
}

// HomeDir resolves the taskmux home directory: $TASKMUX_HOME, else
// ~/.taskmux.
func HomeDir() string {
	if override := os.Getenv("TASKMUX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskmux")
}

// Path returns the config.yaml location under the given home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads, validates, and normalizes the configuration. A missing
// config.yaml is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskmux home: %w", err)
	}

	data, err := os.ReadFile(Path(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return cfg, fmt.Errorf("config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateEngines(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validateSchema checks the YAML document against the embedded JSON Schema
// before any value reaches a typed field. YAML is converted through JSON so
// the validator sees plain maps and json.Number values.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		return nil
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := compiledSchema().Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKMUX_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKMUX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKMUX_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKMUX_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKMUX_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("TASKMUX_DEFAULT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.DefaultTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKMUX_TOKENS_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limiter.TokensPerMinute = v
		}
	}
	if raw := os.Getenv("TASKMUX_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.Size = v
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskmux.db")
	}
	if cfg.Orchestrator.MaxConcurrent <= 0 {
		cfg.Orchestrator.MaxConcurrent = def.Orchestrator.MaxConcurrent
	}
	if cfg.Orchestrator.DefaultTimeoutSeconds <= 0 {
		cfg.Orchestrator.DefaultTimeoutSeconds = def.Orchestrator.DefaultTimeoutSeconds
	}
	if cfg.Orchestrator.MaxRetries <= 0 {
		cfg.Orchestrator.MaxRetries = def.Orchestrator.MaxRetries
	}
	if cfg.Orchestrator.RetryDelayMs <= 0 {
		cfg.Orchestrator.RetryDelayMs = def.Orchestrator.RetryDelayMs
	}
	if cfg.Orchestrator.MaxPayloadKB <= 0 {
		cfg.Orchestrator.MaxPayloadKB = def.Orchestrator.MaxPayloadKB
	}
	if cfg.Limiter.TokensPerMinute <= 0 {
		cfg.Limiter.TokensPerMinute = def.Limiter.TokensPerMinute
	}
	if cfg.Limiter.MaxConcurrentPerClient <= 0 {
		cfg.Limiter.MaxConcurrentPerClient = def.Limiter.MaxConcurrentPerClient
	}
	if cfg.Limiter.BucketTTLMinutes <= 0 {
		cfg.Limiter.BucketTTLMinutes = def.Limiter.BucketTTLMinutes
	}
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = def.Pool.Size
	}
	if cfg.Pool.BusyTimeoutSeconds <= 0 {
		cfg.Pool.BusyTimeoutSeconds = def.Pool.BusyTimeoutSeconds
	}
	if cfg.Pool.AcquireTimeoutSeconds <= 0 {
		cfg.Pool.AcquireTimeoutSeconds = def.Pool.AcquireTimeoutSeconds
	}
	if cfg.Pool.MaxQueueSize <= 0 {
		cfg.Pool.MaxQueueSize = def.Pool.MaxQueueSize
	}
	if cfg.LoopGuard.MaxDepth <= 0 {
		cfg.LoopGuard.MaxDepth = def.LoopGuard.MaxDepth
	}
	if cfg.Maintenance.CleanupSchedule == "" {
		cfg.Maintenance.CleanupSchedule = def.Maintenance.CleanupSchedule
	}
	if cfg.Maintenance.ReapIdleMinutes <= 0 {
		cfg.Maintenance.ReapIdleMinutes = def.Maintenance.ReapIdleMinutes
	}
	for i := range cfg.Engines {
		if cfg.Engines[i].TimeoutSeconds <= 0 {
			cfg.Engines[i].TimeoutSeconds = cfg.Orchestrator.DefaultTimeoutSeconds
		}
	}
}

// validateEngines catches wiring mistakes the schema cannot express:
// duplicate ids and default_engines pointing at engines that do not exist.
func validateEngines(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Engines))
	for _, e := range cfg.Engines {
		if e.ID == "" {
			return fmt.Errorf("engine with base_url %q has no id", e.BaseURL)
		}
		if e.BaseURL == "" {
			return fmt.Errorf("engine %q has no base_url", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate engine id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	for taskType, engineID := range cfg.DefaultEngines {
		if _, ok := seen[engineID]; !ok {
			return fmt.Errorf("default_engines[%q] names unknown engine %q", taskType, engineID)
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the fields that affect runtime
// behavior, used to detect whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|conc=%d|timeout=%d|tokens=%d|pool=%d|depth=%d|engines=%d",
		c.BindAddr, c.LogLevel,
		c.Orchestrator.MaxConcurrent, c.Orchestrator.DefaultTimeoutSeconds,
		c.Limiter.TokensPerMinute, c.Pool.Size,
		c.LoopGuard.MaxDepth, len(c.Engines))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultTimeout returns the orchestrator timeout as a duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Orchestrator.DefaultTimeoutSeconds) * time.Second
}

// RetryDelay returns the retry backoff base as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Orchestrator.RetryDelayMs) * time.Millisecond
}
