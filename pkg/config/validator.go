package config

import (
	"fmt"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/llm"
)

// validate performs comprehensive validation on loaded configuration.
// Every error is wrapped with the field path so a bad deployment fails
// fast with an actionable message instead of misbehaving at turn time.
func validate(cfg *Config) error {
	if cfg.Models.L2 == "" {
		return NewFieldError("models.l2", ErrInvalidValue)
	}
	if cfg.Models.L3 == "" {
		return NewFieldError("models.l3", ErrInvalidValue)
	}
	if cfg.Models.L4 == "" {
		return NewFieldError("models.l4", ErrInvalidValue)
	}

	if cfg.Cache.TTLL2 <= 0 || cfg.Cache.TTLL3 <= 0 || cfg.Cache.TTLL4 <= 0 {
		return NewFieldError("cache", fmt.Errorf("%w: cache TTLs must be positive", ErrInvalidValue))
	}

	if cfg.Turn.Timeout <= 0 {
		return NewFieldError("turn.timeout_seconds", ErrInvalidValue)
	}
	if cfg.Turn.LockTimeout <= 0 {
		return NewFieldError("turn.lock_timeout_seconds", ErrInvalidValue)
	}
	if cfg.Turn.InterruptGrace < 0 {
		return NewFieldError("turn.interrupt_grace_ms", ErrInvalidValue)
	}

	if cfg.Telemetry.QueueSize <= 0 {
		return NewFieldError("telemetry.queue_size", ErrInvalidValue)
	}
	if cfg.Telemetry.BatchSize <= 0 {
		return NewFieldError("telemetry.batch_size", ErrInvalidValue)
	}
	if cfg.Telemetry.FlushInterval <= 0 {
		return NewFieldError("telemetry.flush_seconds", ErrInvalidValue)
	}

	if cfg.RateLimit.FreeTierTurnsPerWeek <= 0 {
		return NewFieldError("rate_limit.free_tier_turns_per_week", ErrInvalidValue)
	}

	if cfg.Retention.FrameTTL <= 0 || cfg.Retention.TelemetryTTL <= 0 || cfg.Retention.SweepInterval <= 0 {
		return NewFieldError("retention", fmt.Errorf("%w: retention durations must be positive", ErrInvalidValue))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return NewFieldError("server.port", ErrInvalidValue)
	}

	if !llm.ValidProfile(cfg.DelayProfile) {
		return NewFieldError("delay_profile",
			fmt.Errorf("%w: unknown profile %q", ErrInvalidValue, cfg.DelayProfile))
	}

	// Classifier rules compile regexes; surface bad patterns at startup.
	if _, err := classifier.New(cfg.Classifier); err != nil {
		return NewFieldError("classifier", err)
	}

	for model, p := range cfg.Pricing {
		if p.Input < 0 || p.Output < 0 || p.CacheRead < 0 || p.CacheWrite < 0 {
			return NewFieldError("pricing."+model,
				fmt.Errorf("%w: negative price", ErrInvalidValue))
		}
	}

	// Shadow models without pricing still run; cost just records as zero.
	// Warn-level logging for that lives in telemetry, not here.
	return nil
}
