package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aide-hq/aide/pkg/llm"
)

// ShadowRunner fires comparison calls against shadow models. Results are
// recorded, never applied; failures are logged and forgotten.
type ShadowRunner struct {
	completer llm.Completer
	queue     *Queue
	pricing   PricingTable
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewShadowRunner builds a runner. completer may be nil (shadowing
// disabled); Run is then a no-op.
func NewShadowRunner(completer llm.Completer, queue *Queue, pricing PricingTable, timeout time.Duration) *ShadowRunner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShadowRunner{completer: completer, queue: queue, pricing: pricing, timeout: timeout}
}

// Run launches one fire-and-forget shadow call per model. The caller's turn
// does not wait on it.
func (r *ShadowRunner) Run(aideID, userID, messageID, tier string, models []string, req *llm.Request) {
	if r.completer == nil || len(models) == 0 {
		return
	}
	promptVer := ""
	if req.Prompt != nil {
		promptVer = req.Prompt.Version
	}
	for _, model := range models {
		shadowReq := *req
		shadowReq.Model = model
		r.wg.Add(1)
		go func(model string, req llm.Request) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()

			start := time.Now()
			_, usage, err := r.completer.Complete(ctx, &req)
			rec := Record{
				TS:           start,
				AideID:       aideID,
				UserID:       userID,
				MessageID:    messageID,
				EventType:    EventLLMCall,
				Tier:         tier,
				Model:        model,
				PromptVer:    promptVer,
				TTCMs:        time.Since(start).Milliseconds(),
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				CostUSD:      r.pricing.Cost(model, usage),
			}
			if err != nil {
				rec.Error = err.Error()
				slog.Warn("shadow call failed", "model", model, "aide_id", aideID, "error", err)
			}
			r.queue.Enqueue(rec)
		}(model, shadowReq)
	}
}

// Wait blocks until in-flight shadow calls finish. Used by shutdown and
// tests.
func (r *ShadowRunner) Wait() {
	r.wg.Wait()
}
