package config

import (
	"time"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/telemetry"
)

// Built-in defaults. A deployment with no aide.yaml and no environment
// overrides gets a working single-node setup out of these.
const (
	DefaultL2Model = "claude-haiku-4-5"
	DefaultL3Model = "claude-sonnet-4-5"
	DefaultL4Model = "claude-sonnet-4-5"

	DefaultTurnTimeout    = 90 * time.Second
	DefaultLockTimeout    = 10 * time.Second
	DefaultInterruptGrace = 500 * time.Millisecond

	DefaultCacheTTLL2 = 5 * time.Minute
	DefaultCacheTTLL3 = 1 * time.Hour
	DefaultCacheTTLL4 = 5 * time.Minute

	DefaultFreeTierTurnsPerWeek = 200

	DefaultFrameTTL      = 24 * time.Hour
	DefaultTelemetryTTL  = 30 * 24 * time.Hour
	DefaultSweepInterval = 1 * time.Hour
)

// DefaultConfig returns the built-in configuration that YAML and
// environment values are merged over.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			L2: DefaultL2Model,
			L3: DefaultL3Model,
			L4: DefaultL4Model,
		},
		Cache: CacheConfig{
			TTLL2: DefaultCacheTTLL2,
			TTLL3: DefaultCacheTTLL3,
			TTLL4: DefaultCacheTTLL4,
		},
		Turn: TurnConfig{
			Timeout:        DefaultTurnTimeout,
			LockTimeout:    DefaultLockTimeout,
			InterruptGrace: DefaultInterruptGrace,
		},
		Telemetry: TelemetryConfig{
			QueueSize:     telemetry.DefaultQueueCapacity,
			BatchSize:     100,
			FlushInterval: 60 * time.Second,
			RetryInterval: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			FreeTierTurnsPerWeek: DefaultFreeTierTurnsPerWeek,
		},
		Retention: RetentionConfig{
			FrameTTL:      DefaultFrameTTL,
			TelemetryTTL:  DefaultTelemetryTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Classifier:   classifier.DefaultRules(),
		Pricing:      telemetry.DefaultPricing(),
		DelayProfile: string(llm.ProfileInstant),
	}
}
