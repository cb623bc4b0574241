// Package telemetry is the flight recorder: per-turn capture, cost
// accounting, a bounded in-memory queue, and a background uploader that
// ships JSONL batches to pluggable sinks. Telemetry never blocks or fails a
// turn; overflow drops the oldest records.
package telemetry

import (
	"time"

	"github.com/aide-hq/aide/pkg/llm"
)

// Event types of the relational telemetry contract.
const (
	EventLLMCall    = "llm_call"
	EventDirectEdit = "direct_edit"
	EventUndo       = "undo"
	EventEscalation = "escalation"
)

// Record is one structured telemetry event.
type Record struct {
	TS               time.Time `json:"ts"`
	AideID           string    `json:"aide_id"`
	UserID           string    `json:"user_id,omitempty"`
	EventType        string    `json:"event_type"`
	Tier             string    `json:"tier,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptVer        string    `json:"prompt_ver,omitempty"`
	TTFCMs           int64     `json:"ttfc_ms,omitempty"`
	TTCMs            int64     `json:"ttc_ms,omitempty"`
	InputTokens      int64     `json:"input_tokens,omitempty"`
	OutputTokens     int64     `json:"output_tokens,omitempty"`
	CacheReadTokens  int64     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64     `json:"cache_write_tokens,omitempty"`
	LinesEmitted     int       `json:"lines_emitted,omitempty"`
	LinesAccepted    int       `json:"lines_accepted,omitempty"`
	LinesRejected    int       `json:"lines_rejected,omitempty"`
	Escalated        bool      `json:"escalated,omitempty"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	CostUSD          float64   `json:"cost_usd,omitempty"`
	EditLatencyMs    int64     `json:"edit_latency_ms,omitempty"`
	MessageID        string    `json:"message_id,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Recorder captures one turn. Not safe for concurrent use; each turn owns
// its recorder.
type Recorder struct {
	queue   *Queue
	pricing PricingTable
	now     func() time.Time

	aideID    string
	userID    string
	messageID string
	started   time.Time

	// Turn-level capture.
	Message       string
	HashBefore    string
	HashAfter     string
	Voice         string
	LinesEmitted  int
	LinesAccepted int
	LinesRejected int

	calls []Record
}

// NewRecorder starts capture for one turn. queue may be nil (telemetry
// disabled); all methods are then no-ops at flush time.
func NewRecorder(queue *Queue, pricing PricingTable, aideID, userID, messageID string) *Recorder {
	r := &Recorder{
		queue:     queue,
		pricing:   pricing,
		now:       time.Now,
		aideID:    aideID,
		userID:    userID,
		messageID: messageID,
	}
	r.started = r.now()
	return r
}

// LLMCall captures the state of one model invocation.
type LLMCall struct {
	Tier       string
	Model      string
	PromptVer  string
	TTFC       time.Duration
	TTC        time.Duration
	Usage      llm.Usage
	Escalated  bool
	EscReason  string
	Err        error
	LinesEmit  int
	LinesOK    int
	LinesBad   int
	ShadowOnly bool
}

// RecordLLMCall appends one llm_call record with computed cost.
func (r *Recorder) RecordLLMCall(c LLMCall) {
	rec := Record{
		TS:               r.now(),
		AideID:           r.aideID,
		UserID:           r.userID,
		MessageID:        r.messageID,
		EventType:        EventLLMCall,
		Tier:             c.Tier,
		Model:            c.Model,
		PromptVer:        c.PromptVer,
		TTFCMs:           c.TTFC.Milliseconds(),
		TTCMs:            c.TTC.Milliseconds(),
		InputTokens:      c.Usage.InputTokens,
		OutputTokens:     c.Usage.OutputTokens,
		CacheReadTokens:  c.Usage.CacheReadTokens,
		CacheWriteTokens: c.Usage.CacheWriteTokens,
		LinesEmitted:     c.LinesEmit,
		LinesAccepted:    c.LinesOK,
		LinesRejected:    c.LinesBad,
		Escalated:        c.Escalated,
		EscalationReason: c.EscReason,
		CostUSD:          r.pricing.Cost(c.Model, c.Usage),
	}
	if c.Err != nil {
		rec.Error = c.Err.Error()
	}
	r.calls = append(r.calls, rec)
}

// RecordEscalation appends an escalation marker record.
func (r *Recorder) RecordEscalation(fromTier, reason string) {
	r.calls = append(r.calls, Record{
		TS:               r.now(),
		AideID:           r.aideID,
		UserID:           r.userID,
		MessageID:        r.messageID,
		EventType:        EventEscalation,
		Tier:             fromTier,
		Escalated:        true,
		EscalationReason: reason,
	})
}

// RecordDirectEdit appends a direct_edit record.
func (r *Recorder) RecordDirectEdit(latency time.Duration, err error) {
	rec := Record{
		TS:            r.now(),
		AideID:        r.aideID,
		UserID:        r.userID,
		MessageID:     r.messageID,
		EventType:     EventDirectEdit,
		EditLatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.calls = append(r.calls, rec)
}

// Flush enqueues everything captured for this turn.
func (r *Recorder) Flush() {
	if r.queue == nil {
		return
	}
	for i := range r.calls {
		if r.calls[i].LinesEmitted == 0 && r.calls[i].EventType == EventLLMCall {
			r.calls[i].LinesEmitted = r.LinesEmitted
			r.calls[i].LinesAccepted = r.LinesAccepted
			r.calls[i].LinesRejected = r.LinesRejected
		}
		r.queue.Enqueue(r.calls[i])
	}
	r.calls = nil
}

// Elapsed is the total turn latency so far.
func (r *Recorder) Elapsed() time.Duration {
	return r.now().Sub(r.started)
}
