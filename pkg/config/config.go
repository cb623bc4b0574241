package config

import (
	"time"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/telemetry"
)

// Config is the fully resolved runtime configuration.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string

	Models       ModelsConfig
	Cache        CacheConfig
	Turn         TurnConfig
	Telemetry    TelemetryConfig
	RateLimit    RateLimitConfig
	Retention    RetentionConfig
	Server       ServerConfig
	Classifier   classifier.Rules
	Pricing      telemetry.PricingTable
	DelayProfile string
	APIKeys      APIKeysConfig
}

// ModelsConfig maps routing tiers to provider model identifiers.
// Shadow models are optional; empty means no shadow calls for that tier.
type ModelsConfig struct {
	L2 string `yaml:"l2"`
	L3 string `yaml:"l3"`
	L4 string `yaml:"l4"`

	L2Shadow string `yaml:"l2_shadow,omitempty"`
	L3Shadow string `yaml:"l3_shadow,omitempty"`
}

// ForTier returns the primary model for a tier.
func (m ModelsConfig) ForTier(tier classifier.Tier) string {
	switch tier {
	case classifier.TierL3:
		return m.L3
	case classifier.TierL4:
		return m.L4
	default:
		return m.L2
	}
}

// ShadowsForTier returns the shadow models configured for a tier, if any.
func (m ModelsConfig) ShadowsForTier(tier classifier.Tier) []string {
	var out []string
	switch tier {
	case classifier.TierL2:
		if m.L2Shadow != "" {
			out = append(out, m.L2Shadow)
		}
	case classifier.TierL3:
		if m.L3Shadow != "" {
			out = append(out, m.L3Shadow)
		}
	}
	return out
}

// CacheConfig holds prompt-cache TTLs per tier.
type CacheConfig struct {
	TTLL2 time.Duration
	TTLL3 time.Duration
	TTLL4 time.Duration
}

// TTLs returns the per-tier TTL map consumed by the prompt builder.
func (c CacheConfig) TTLs() map[classifier.Tier]time.Duration {
	return map[classifier.Tier]time.Duration{
		classifier.TierL2: c.TTLL2,
		classifier.TierL3: c.TTLL3,
		classifier.TierL4: c.TTLL4,
	}
}

// TurnConfig bounds turn execution.
type TurnConfig struct {
	// Timeout is the maximum duration of a turn before forced cancellation.
	Timeout time.Duration
	// LockTimeout bounds waiting on a busy aide before the turn is refused.
	LockTimeout time.Duration
	// InterruptGrace is how long an interrupted stream may keep emitting
	// before the context is cancelled outright.
	InterruptGrace time.Duration
}

// TelemetryConfig sizes the flight-recorder pipeline.
type TelemetryConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	RetryInterval time.Duration
	// Dir is the filesystem sink root; empty means DB-only delivery.
	Dir string
}

// RateLimitConfig holds the free-tier turn budget.
type RateLimitConfig struct {
	FreeTierTurnsPerWeek int
}

// RetentionConfig bounds growth of the frame log and telemetry tables.
type RetentionConfig struct {
	// FrameTTL is how long delivered frames stay available for catchup.
	FrameTTL time.Duration
	// TelemetryTTL is how long flight-recorder rows are kept.
	TelemetryTTL time.Duration
	// SweepInterval is the pause between retention sweeps.
	SweepInterval time.Duration
}

// ServerConfig holds the HTTP/WS listener settings.
type ServerConfig struct {
	Host             string
	Port             int
	AllowedWSOrigins []string
}

// APIKeysConfig carries provider credentials, sourced from the environment.
type APIKeysConfig struct {
	Anthropic string
	OpenAI    string
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
