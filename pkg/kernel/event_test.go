package kernel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWireLine(t *testing.T) {
	t.Run("compact entity.create", func(t *testing.T) {
		ev, err := DecodeWireLine([]byte(`{"t":"entity.create","id":"hero","parent":"page","p":{"title":"Hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, PrimEntityCreate, ev.Type)
		p, ok := ev.Payload.(EntityCreate)
		require.True(t, ok)
		assert.Equal(t, "hero", p.ID)
		assert.Equal(t, "page", p.Parent)
		assert.Equal(t, map[string]any{"title": "Hi"}, p.Props)
	})

	t.Run("compact style.set aliases p to styles", func(t *testing.T) {
		ev, err := DecodeWireLine([]byte(`{"t":"style.set","p":{"accent":"teal"}}`))
		require.NoError(t, err)
		p, ok := ev.Payload.(StyleSet)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"accent": "teal"}, p.Styles)
	})

	t.Run("compact update accepts id for ref", func(t *testing.T) {
		ev, err := DecodeWireLine([]byte(`{"t":"entity.update","id":"hero","p":{"x":1}}`))
		require.NoError(t, err)
		p, ok := ev.Payload.(EntityUpdate)
		require.True(t, ok)
		assert.Equal(t, "hero", p.Ref)
	})

	t.Run("canonical form with envelope", func(t *testing.T) {
		line := `{"id":"ev_1","sequence":7,"timestamp":"2026-08-26T09:00:00Z","actor":"user_1","source":"turn","type":"entity.remove","payload":{"ref":"hero"}}`
		ev, err := DecodeWireLine([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, "ev_1", ev.ID)
		assert.Equal(t, int64(7), ev.Sequence)
		assert.Equal(t, "turn", ev.Source)
		p, ok := ev.Payload.(EntityRemove)
		require.True(t, ok)
		assert.Equal(t, "hero", p.Ref)
	})

	t.Run("signals decode", func(t *testing.T) {
		for line, typ := range map[string]string{
			`{"t":"voice","text":"sounds good"}`: PrimVoice,
			`{"t":"escalate","reason":"layout"}`: PrimEscalate,
			`{"t":"batch.start"}`:                PrimBatchStart,
			`{"t":"batch.end"}`:                  PrimBatchEnd,
		} {
			ev, err := DecodeWireLine([]byte(line))
			require.NoError(t, err, line)
			assert.Equal(t, typ, ev.Type)
			assert.True(t, IsSignal(ev.Type))
		}
	})

	t.Run("unknown primitive decodes for the reducer to reject", func(t *testing.T) {
		ev, err := DecodeWireLine([]byte(`{"t":"entity.frobnicate","ref":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, "entity.frobnicate", ev.Type)
	})

	t.Run("missing type tag fails", func(t *testing.T) {
		_, err := DecodeWireLine([]byte(`{"ref":"x"}`))
		assert.Error(t, err)
	})

	t.Run("malformed json fails", func(t *testing.T) {
		_, err := DecodeWireLine([]byte(`{"t":"entity.create",`))
		assert.Error(t, err)
	})
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := &Event{
		ID:        "ev_42",
		Sequence:  3,
		Timestamp: "2026-08-26T09:00:00Z",
		Actor:     "user_1",
		Source:    "turn",
		Type:      PrimEntityCreate,
		Payload:   EntityCreate{ID: "hero", Props: map[string]any{"title": "Hi"}},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, ev.Sequence, back.Sequence)
	assert.Equal(t, ev.Type, back.Type)
	p, ok := back.Payload.(EntityCreate)
	require.True(t, ok)
	assert.Equal(t, "hero", p.ID)
}

func TestValidID(t *testing.T) {
	valid := []string{"a", "hero", "hero_2", "nav_bar_main", "x9"}
	invalid := []string{"", "root", "Hero", "9x", "_x", "has-dash", "has space", "ümlaut"}
	for _, id := range valid {
		assert.True(t, ValidID(id), id)
	}
	for _, id := range invalid {
		assert.False(t, ValidID(id), id)
	}
}
