// Package cleanup enforces data retention: delivered frames and old
// telemetry rows are swept on an interval so the append-only tables stay
// bounded.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/aide-hq/aide/pkg/config"
)

// Service periodically removes:
//   - ws_events rows older than the frame TTL (reconnect catchup never needs
//     frames from before the client's last session)
//   - telemetry_events rows past the telemetry retention window
//
// All deletes are idempotent and safe to run from multiple pods.
type Service struct {
	cfg config.RetentionConfig
	db  *sql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service.
func NewService(cfg config.RetentionConfig, db *sql.DB) *Service {
	return &Service{cfg: cfg, db: db}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"frame_ttl", s.cfg.FrameTTL,
		"telemetry_ttl", s.cfg.TelemetryTTL,
		"sweep_interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Exported for tests and for one-shot
// invocation from operational tooling.
func (s *Service) Sweep(ctx context.Context) {
	s.sweepFrames(ctx)
	s.sweepTelemetry(ctx)
}

func (s *Service) sweepFrames(ctx context.Context) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ws_events WHERE created_at < $1`,
		time.Now().UTC().Add(-s.cfg.FrameTTL))
	if err != nil {
		slog.Error("Retention: frame sweep failed", "error", err)
		return
	}
	if count, _ := res.RowsAffected(); count > 0 {
		slog.Info("Retention: deleted expired frames", "count", count)
	}
}

func (s *Service) sweepTelemetry(ctx context.Context) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_events WHERE ts < $1`,
		time.Now().UTC().Add(-s.cfg.TelemetryTTL))
	if err != nil {
		slog.Error("Retention: telemetry sweep failed", "error", err)
		return
	}
	if count, _ := res.RowsAffected(); count > 0 {
		slog.Info("Retention: deleted expired telemetry", "count", count)
	}
}
