package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/telemetry"
)

// AideYAMLConfig represents the complete aide.yaml file structure.
// Durations are written as strings ("5m", "90s") and parsed during resolution.
type AideYAMLConfig struct {
	Models       *ModelsConfig          `yaml:"models"`
	Cache        *CacheYAMLConfig       `yaml:"cache"`
	Turn         *TurnYAMLConfig        `yaml:"turn"`
	Telemetry    *TelemetryYAMLConfig   `yaml:"telemetry"`
	RateLimit    *RateLimitYAMLConfig   `yaml:"rate_limit"`
	Retention    *RetentionYAMLConfig   `yaml:"retention"`
	Server       *ServerYAMLConfig      `yaml:"server"`
	Classifier   *classifier.Rules      `yaml:"classifier"`
	Pricing      telemetry.PricingTable `yaml:"pricing"`
	DelayProfile string                 `yaml:"delay_profile"`
}

// CacheYAMLConfig holds per-tier prompt cache TTLs from YAML.
type CacheYAMLConfig struct {
	TTLL2 string `yaml:"ttl_l2,omitempty"`
	TTLL3 string `yaml:"ttl_l3,omitempty"`
	TTLL4 string `yaml:"ttl_l4,omitempty"`
}

// TurnYAMLConfig holds turn execution bounds from YAML.
type TurnYAMLConfig struct {
	TimeoutSeconds     int `yaml:"timeout_seconds,omitempty"`
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds,omitempty"`
	InterruptGraceMs   int `yaml:"interrupt_grace_ms,omitempty"`
}

// TelemetryYAMLConfig holds flight-recorder settings from YAML.
type TelemetryYAMLConfig struct {
	QueueSize    int    `yaml:"queue_size,omitempty"`
	BatchSize    int    `yaml:"batch_size,omitempty"`
	FlushSeconds int    `yaml:"flush_seconds,omitempty"`
	RetrySeconds int    `yaml:"retry_seconds,omitempty"`
	Dir          string `yaml:"dir,omitempty"`
}

// RateLimitYAMLConfig holds rate enforcement settings from YAML.
type RateLimitYAMLConfig struct {
	FreeTierTurnsPerWeek int `yaml:"free_tier_turns_per_week,omitempty"`
}

// RetentionYAMLConfig holds data-retention settings from YAML, durations as
// strings ("24h", "720h").
type RetentionYAMLConfig struct {
	FrameTTL      string `yaml:"frame_ttl,omitempty"`
	TelemetryTTL  string `yaml:"telemetry_ttl,omitempty"`
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// ServerYAMLConfig holds listener settings from YAML.
type ServerYAMLConfig struct {
	Host             string   `yaml:"host,omitempty"`
	Port             int      `yaml:"port,omitempty"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load aide.yaml from configDir (absent file is fine, defaults apply)
//  2. Expand environment variables in the file content
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Apply environment-variable overrides (L2_MODEL, TURN_TIMEOUT_SECONDS, ...)
//  6. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"l2_model", cfg.Models.L2,
		"l3_model", cfg.Models.L3,
		"l4_model", cfg.Models.L4,
		"delay_profile", cfg.DelayProfile,
		"pricing_models", len(cfg.Pricing))

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	raw, err := loadAideYAML(configDir)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.configDir = configDir

	if err := mergeYAML(cfg, raw); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadAideYAML(configDir string) (*AideYAMLConfig, error) {
	path := filepath.Join(configDir, "aide.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AideYAMLConfig{}, nil
	}
	if err != nil {
		return nil, NewLoadError("aide.yaml", err)
	}

	data = ExpandEnv(data)

	var raw AideYAMLConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError("aide.yaml", err)
	}
	return &raw, nil
}

// mergeYAML folds user-provided YAML values over the built-in defaults.
// Non-zero user values override; unset sections keep the defaults intact.
func mergeYAML(cfg *Config, raw *AideYAMLConfig) error {
	if raw.Models != nil {
		if err := mergo.Merge(&cfg.Models, raw.Models, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge models config: %w", err)
		}
	}
	if raw.Cache != nil {
		if err := mergeCacheTTLs(&cfg.Cache, raw.Cache); err != nil {
			return err
		}
	}
	if raw.Turn != nil {
		if raw.Turn.TimeoutSeconds > 0 {
			cfg.Turn.Timeout = time.Duration(raw.Turn.TimeoutSeconds) * time.Second
		}
		if raw.Turn.LockTimeoutSeconds > 0 {
			cfg.Turn.LockTimeout = time.Duration(raw.Turn.LockTimeoutSeconds) * time.Second
		}
		if raw.Turn.InterruptGraceMs > 0 {
			cfg.Turn.InterruptGrace = time.Duration(raw.Turn.InterruptGraceMs) * time.Millisecond
		}
	}
	if raw.Telemetry != nil {
		if raw.Telemetry.QueueSize > 0 {
			cfg.Telemetry.QueueSize = raw.Telemetry.QueueSize
		}
		if raw.Telemetry.BatchSize > 0 {
			cfg.Telemetry.BatchSize = raw.Telemetry.BatchSize
		}
		if raw.Telemetry.FlushSeconds > 0 {
			cfg.Telemetry.FlushInterval = time.Duration(raw.Telemetry.FlushSeconds) * time.Second
		}
		if raw.Telemetry.RetrySeconds > 0 {
			cfg.Telemetry.RetryInterval = time.Duration(raw.Telemetry.RetrySeconds) * time.Second
		}
		if raw.Telemetry.Dir != "" {
			cfg.Telemetry.Dir = raw.Telemetry.Dir
		}
	}
	if raw.RateLimit != nil && raw.RateLimit.FreeTierTurnsPerWeek > 0 {
		cfg.RateLimit.FreeTierTurnsPerWeek = raw.RateLimit.FreeTierTurnsPerWeek
	}
	if raw.Retention != nil {
		if err := mergeRetention(&cfg.Retention, raw.Retention); err != nil {
			return err
		}
	}
	if raw.Server != nil {
		if raw.Server.Host != "" {
			cfg.Server.Host = raw.Server.Host
		}
		if raw.Server.Port > 0 {
			cfg.Server.Port = raw.Server.Port
		}
		if len(raw.Server.AllowedWSOrigins) > 0 {
			cfg.Server.AllowedWSOrigins = raw.Server.AllowedWSOrigins
		}
	}
	if raw.Classifier != nil {
		if err := mergo.Merge(&cfg.Classifier, raw.Classifier, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge classifier rules: %w", err)
		}
	}
	// User pricing entries override per-model; unknown defaults are kept.
	for model, p := range raw.Pricing {
		cfg.Pricing[model] = p
	}
	if raw.DelayProfile != "" {
		cfg.DelayProfile = raw.DelayProfile
	}
	return nil
}

func mergeCacheTTLs(dst *CacheConfig, raw *CacheYAMLConfig) error {
	parse := func(field, s string, into *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return NewFieldError("cache."+field, fmt.Errorf("invalid duration %q: %w", s, err))
		}
		*into = d
		return nil
	}
	if err := parse("ttl_l2", raw.TTLL2, &dst.TTLL2); err != nil {
		return err
	}
	if err := parse("ttl_l3", raw.TTLL3, &dst.TTLL3); err != nil {
		return err
	}
	return parse("ttl_l4", raw.TTLL4, &dst.TTLL4)
}

func mergeRetention(dst *RetentionConfig, raw *RetentionYAMLConfig) error {
	parse := func(field, s string, into *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return NewFieldError("retention."+field, fmt.Errorf("invalid duration %q: %w", s, err))
		}
		*into = d
		return nil
	}
	if err := parse("frame_ttl", raw.FrameTTL, &dst.FrameTTL); err != nil {
		return err
	}
	if err := parse("telemetry_ttl", raw.TelemetryTTL, &dst.TelemetryTTL); err != nil {
		return err
	}
	return parse("sweep_interval", raw.SweepInterval, &dst.SweepInterval)
}

// applyEnvOverrides applies the flat environment-variable surface on top of
// whatever the YAML resolved to. Environment wins over file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Models.L2, "L2_MODEL")
	setString(&cfg.Models.L3, "L3_MODEL")
	setString(&cfg.Models.L4, "L4_MODEL")
	setString(&cfg.Models.L2Shadow, "L2_SHADOW_MODEL")
	setString(&cfg.Models.L3Shadow, "L3_SHADOW_MODEL")

	setDuration(&cfg.Cache.TTLL2, "CACHE_TTL_L2")
	setDuration(&cfg.Cache.TTLL3, "CACHE_TTL_L3")
	setDuration(&cfg.Cache.TTLL4, "CACHE_TTL_L4")

	setString(&cfg.DelayProfile, "DELAY_PROFILE")

	setSeconds(&cfg.Turn.Timeout, "TURN_TIMEOUT_SECONDS")
	setSeconds(&cfg.Turn.LockTimeout, "LOCK_TIMEOUT_SECONDS")

	setInt(&cfg.Telemetry.QueueSize, "TELEMETRY_QUEUE_SIZE")
	setInt(&cfg.Telemetry.BatchSize, "TELEMETRY_BATCH_SIZE")
	setSeconds(&cfg.Telemetry.FlushInterval, "TELEMETRY_FLUSH_SECONDS")
	setString(&cfg.Telemetry.Dir, "TELEMETRY_DIR")

	setInt(&cfg.RateLimit.FreeTierTurnsPerWeek, "FREE_TIER_TURNS_PER_WEEK")

	setDuration(&cfg.Retention.FrameTTL, "FRAME_TTL")
	setDuration(&cfg.Retention.TelemetryTTL, "TELEMETRY_TTL")
	setDuration(&cfg.Retention.SweepInterval, "RETENTION_SWEEP_INTERVAL")

	setString(&cfg.Server.Host, "AIDE_HOST")
	setInt(&cfg.Server.Port, "AIDE_PORT")

	cfg.APIKeys.Anthropic = os.Getenv("ANTHROPIC_API_KEY")
	cfg.APIKeys.OpenAI = os.Getenv("OPENAI_API_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = n
		} else {
			slog.Warn("Ignoring non-numeric environment override", "key", key, "value", v)
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		} else {
			slog.Warn("Ignoring non-numeric environment override", "key", key, "value", v)
		}
	}
}

// setDuration parses either a bare number of seconds ("300") or a Go
// duration string ("5m").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil && fmt.Sprintf("%d", n) == v {
		*dst = time.Duration(n) * time.Second
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	slog.Warn("Ignoring malformed duration override", "key", key, "value", v)
}
