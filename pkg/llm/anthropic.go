package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK the adapter needs. It is
// satisfied by *sdk.MessageService so tests can substitute a mock.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicOptions configures the adapter.
type AnthropicOptions struct {
	// MaxTokens is the completion cap used when a request does not set one.
	MaxTokens int
}

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	msg    MessagesClient
	maxTok int
}

// NewAnthropic builds the adapter from a Messages client.
func NewAnthropic(msg MessagesClient, opts AnthropicOptions) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 8192
	}
	return &AnthropicClient{msg: msg, maxTok: maxTok}, nil
}

// NewAnthropicFromAPIKey constructs the adapter with the default SDK HTTP
// client.
func NewAnthropicFromAPIKey(apiKey string, opts AnthropicOptions) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, opts)
}

// Stream opens a streaming Messages call for the assembled prompt.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return newAnthropicStreamer(ctx, stream), nil
}

func (c *AnthropicClient) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if req.Prompt == nil || len(req.Prompt.Messages) == 0 {
		return nil, errors.New("anthropic: prompt with messages is required")
	}

	system := make([]sdk.TextBlockParam, 0, len(req.Prompt.System))
	for _, b := range req.Prompt.System {
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.Cached {
			tb.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		system = append(system, tb)
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Prompt.Messages))
	for _, m := range req.Prompt.Messages {
		if m.Text == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Text)
		if m.CacheBreakpoint && block.OfText != nil {
			block.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}

	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTok),
		Messages:  msgs,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// anthropicStreamer adapts the SDK's SSE stream to the Streamer interface: a
// reader goroutine feeds a buffered chunk channel so Recv never blocks the
// SSE decoder.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStreamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return Chunk{}, err
	}
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	var stopReason string
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}

		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			u := ev.Message.Usage
			if !s.emit(Chunk{Usage: &Usage{
				InputTokens:      u.InputTokens,
				CacheReadTokens:  u.CacheReadInputTokens,
				CacheWriteTokens: u.CacheCreationInputTokens,
			}}) {
				return
			}
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				if !s.emit(Chunk{Text: delta.Text}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			if !s.emit(Chunk{Usage: &Usage{OutputTokens: ev.Usage.OutputTokens}}) {
				return
			}
		case sdk.MessageStopEvent:
			if !s.emit(Chunk{Stop: true, StopReason: stopReason}) {
				return
			}
		}
	}
}

func (s *anthropicStreamer) emit(c Chunk) bool {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	case s.chunks <- c:
		return true
	}
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
