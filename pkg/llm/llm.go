// Package llm is the provider-agnostic streaming surface the orchestrator
// consumes. Anthropic serves the live tiers, go-openai serves non-streaming
// shadow calls, and a scripted mock with delay profiles backs tests and the
// provider-free dev mode.
package llm

import (
	"context"
	"errors"

	"github.com/aide-hq/aide/pkg/prompt"
)

// ErrRateLimited marks provider 429s so callers can back off instead of
// failing the turn outright.
var ErrRateLimited = errors.New("llm: rate limited")

// Usage is a token accounting delta reported on the stream.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Add accumulates a delta.
func (u *Usage) Add(d Usage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
	u.CacheReadTokens += d.CacheReadTokens
	u.CacheWriteTokens += d.CacheWriteTokens
}

// Chunk is one streaming increment: a text fragment, a usage delta, or the
// terminal stop marker. Exactly one of the three is meaningful per chunk.
type Chunk struct {
	Text       string
	Usage      *Usage
	Stop       bool
	StopReason string
}

// Request describes one streaming call.
type Request struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Prompt      *prompt.Prompt
}

// Streamer yields chunks until io.EOF. Close is safe to call at any time and
// cancels the underlying provider stream; Recv after Close returns the
// cancellation error.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client opens streaming completions.
type Client interface {
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// Completer is the non-streaming surface used for shadow calls: the full
// response text plus final usage.
type Completer interface {
	Complete(ctx context.Context, req *Request) (string, Usage, error)
}
