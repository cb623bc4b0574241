package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/kernel"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	b := NewBuilder(Config{
		TailTurns: 4,
		TTL: map[classifier.Tier]time.Duration{
			classifier.TierL2: 5 * time.Minute,
			classifier.TierL3: time.Hour,
		},
	})
	b.now = func() time.Time { return time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC) }
	return b
}

func TestBuild(t *testing.T) {
	snap, _ := kernel.Replay([]*kernel.Event{
		{Type: kernel.PrimEntityCreate, Payload: kernel.EntityCreate{ID: "hero", Props: map[string]any{"title": "Hi"}}},
	})
	bp := Blueprint{Identity: "a personal site builder", Voice: "warm, brief"}

	p, err := testBuilder(t).Build(classifier.TierL2, bp, snap, nil, "make the title bigger")
	require.NoError(t, err)

	t.Run("three system blocks with cache marks", func(t *testing.T) {
		require.Len(t, p.System, 3)
		assert.True(t, p.System[0].Cached)
		assert.True(t, p.System[1].Cached)
		assert.False(t, p.System[2].Cached, "snapshot block is never cached")
		assert.Equal(t, 5*time.Minute, p.System[0].TTL)
	})

	t.Run("shared prefix carries blueprint, catalog and date", func(t *testing.T) {
		prefix := p.System[0].Text
		assert.Contains(t, prefix, "a personal site builder")
		assert.Contains(t, prefix, "warm, brief")
		assert.Contains(t, prefix, "entity.update")
		assert.Contains(t, prefix, "Wednesday, 2026-08-26")
	})

	t.Run("tier block matches tier", func(t *testing.T) {
		assert.Contains(t, p.System[1].Text, "routine updates")

		p3, err := testBuilder(t).Build(classifier.TierL3, bp, snap, nil, "x")
		require.NoError(t, err)
		assert.Contains(t, p3.System[1].Text, "structural synthesis")

		p4, err := testBuilder(t).Build(classifier.TierL4, bp, snap, nil, "x")
		require.NoError(t, err)
		assert.Contains(t, p4.System[1].Text, "answering questions")
	})

	t.Run("snapshot block is canonical state", func(t *testing.T) {
		want, err := kernel.CanonicalJSON(snap)
		require.NoError(t, err)
		assert.Equal(t, "Current state:\n"+string(want), p.System[2].Text)
	})

	t.Run("version is stamped", func(t *testing.T) {
		assert.Equal(t, Version, p.Version)
	})
}

func TestBuild_Tail(t *testing.T) {
	b := testBuilder(t)
	snap := kernel.NewSnapshot()

	history := []Turn{
		{Role: "user", Text: "turn 1"},
		{Role: "assistant", Text: "Built the roster.", OpsApplied: 7},
		{Role: "user", Text: "turn 2"},
		{Role: "assistant", Text: "Sure - it's Friday.", OpsApplied: 0},
		{Role: "user", Text: "turn 3"},
	}
	p, err := b.Build(classifier.TierL2, Blueprint{}, snap, history, "current message")
	require.NoError(t, err)

	t.Run("keeps only the last N turns", func(t *testing.T) {
		require.Len(t, p.Messages, 5) // 4 history + current
		assert.Equal(t, "Built the roster.", strings.TrimPrefix(p.Messages[0].Text, "[7 operations applied] "))
	})

	t.Run("mutation turns are summarized", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(p.Messages[0].Text, "[7 operations applied]"))
	})

	t.Run("pure voice turns pass through", func(t *testing.T) {
		assert.Equal(t, "Sure - it's Friday.", p.Messages[2].Text)
	})

	t.Run("only the final message is a cache breakpoint", func(t *testing.T) {
		for i, m := range p.Messages[:len(p.Messages)-1] {
			assert.False(t, m.CacheBreakpoint, "message %d", i)
		}
		last := p.Messages[len(p.Messages)-1]
		assert.True(t, last.CacheBreakpoint)
		assert.Equal(t, "current message", last.Text)
		assert.Equal(t, "user", last.Role)
	})
}
