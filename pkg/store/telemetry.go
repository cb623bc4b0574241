package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aide-hq/aide/pkg/telemetry"
)

// InsertTelemetry batch-inserts flight-recorder records. Implements
// telemetry.RecordWriter so the store can serve as the uploader's DB sink.
func (s *Store) InsertTelemetry(ctx context.Context, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 22
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*cols)
	)
	sb.WriteString(`INSERT INTO telemetry_events (
		ts, aide_id, user_id, event_type, tier, model, prompt_ver,
		ttfc_ms, ttc_ms, input_tokens, output_tokens,
		cache_read_tokens, cache_write_tokens,
		lines_emitted, lines_accepted, lines_rejected,
		escalated, escalation_reason, cost_usd, edit_latency_ms,
		message_id, error) VALUES `)

	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j)
		}
		sb.WriteString(")")
		args = append(args,
			r.TS, r.AideID, r.UserID, r.EventType, r.Tier, r.Model, r.PromptVer,
			r.TTFCMs, r.TTCMs, r.InputTokens, r.OutputTokens,
			r.CacheReadTokens, r.CacheWriteTokens,
			r.LinesEmitted, r.LinesAccepted, r.LinesRejected,
			r.Escalated, r.EscalationReason, r.CostUSD, r.EditLatencyMs,
			r.MessageID, r.Error)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert telemetry batch: %w", err)
	}
	return nil
}
