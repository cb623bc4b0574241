package llm

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Profile names a synthetic latency shape for the mock provider.
type Profile string

// Recognized delay profiles.
const (
	ProfileInstant     Profile = "instant"
	ProfileRealisticL2 Profile = "realistic_l2"
	ProfileRealisticL3 Profile = "realistic_l3"
	ProfileRealisticL4 Profile = "realistic_l4"
	ProfileSlow        Profile = "slow"
)

// profileShape is the first-chunk delay and per-chunk pacing of a profile.
type profileShape struct {
	firstChunk time.Duration
	perChunk   time.Duration
}

var profileShapes = map[Profile]profileShape{
	ProfileInstant:     {},
	ProfileRealisticL2: {firstChunk: 300 * time.Millisecond, perChunk: 15 * time.Millisecond},
	ProfileRealisticL3: {firstChunk: 900 * time.Millisecond, perChunk: 30 * time.Millisecond},
	ProfileRealisticL4: {firstChunk: 600 * time.Millisecond, perChunk: 20 * time.Millisecond},
	ProfileSlow:        {firstChunk: 2 * time.Second, perChunk: 250 * time.Millisecond},
}

// ValidProfile reports whether name is a recognized delay profile.
func ValidProfile(name string) bool {
	_, ok := profileShapes[Profile(name)]
	return ok
}

// ScriptFunc produces the full response text for a request. The mock streams
// it line by line.
type ScriptFunc func(req *Request) string

// Mock is a scripted Client for tests and provider-free development. The
// active delay profile can be switched at runtime (set_profile frame).
type Mock struct {
	script ScriptFunc

	mu      sync.Mutex
	profile Profile
}

// NewMock builds a mock provider. A nil script yields empty responses.
func NewMock(script ScriptFunc, profile Profile) *Mock {
	if script == nil {
		script = func(*Request) string { return "" }
	}
	if _, ok := profileShapes[profile]; !ok {
		profile = ProfileInstant
	}
	return &Mock{script: script, profile: profile}
}

// SetProfile switches the delay profile for subsequent streams.
func (m *Mock) SetProfile(p Profile) bool {
	if _, ok := profileShapes[p]; !ok {
		return false
	}
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
	return true
}

// Profile returns the active delay profile.
func (m *Mock) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Stream yields the scripted response one line at a time, paced by the
// active profile.
func (m *Mock) Stream(ctx context.Context, req *Request) (Streamer, error) {
	text := m.script(req)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			lines = append(lines, line+"\n")
		}
	}
	cctx, cancel := context.WithCancel(ctx)
	return &mockStreamer{
		ctx:    cctx,
		cancel: cancel,
		shape:  profileShapes[m.Profile()],
		lines:  lines,
		inTok:  int64(len(text) / 4),
	}, nil
}

// Complete satisfies Completer so the mock can also stand in for shadow
// models in tests.
func (m *Mock) Complete(ctx context.Context, req *Request) (string, Usage, error) {
	text := m.script(req)
	return text, Usage{InputTokens: int64(len(text) / 4), OutputTokens: int64(len(text) / 4)}, nil
}

type mockStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	shape  profileShape
	lines  []string
	next   int
	inTok  int64
	done   bool
}

func (s *mockStreamer) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	delay := s.shape.perChunk
	if s.next == 0 {
		delay = s.shape.firstChunk
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return Chunk{}, s.ctx.Err()
		case <-t.C:
		}
	}

	switch {
	case s.next == 0:
		s.next++
		return Chunk{Usage: &Usage{InputTokens: s.inTok}}, nil
	case s.next-1 < len(s.lines):
		line := s.lines[s.next-1]
		s.next++
		return Chunk{Text: line}, nil
	case s.next-1 == len(s.lines):
		s.next++
		var out int64
		for _, l := range s.lines {
			out += int64(len(l)/4) + 1
		}
		return Chunk{Usage: &Usage{OutputTokens: out}}, nil
	case !s.done:
		s.done = true
		return Chunk{Stop: true, StopReason: "end_turn"}, nil
	default:
		return Chunk{}, io.EOF
	}
}

func (s *mockStreamer) Close() error {
	s.cancel()
	return nil
}
