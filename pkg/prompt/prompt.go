// Package prompt assembles the per-turn LLM request: cacheable system blocks
// plus a compact conversation tail. Block boundaries are chosen so provider
// prompt caching hits on everything that does not change between turns.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/kernel"
)

// Version identifies the prompt layout for telemetry (prompt_ver). Bump on
// any change to the block texts or ordering, since cached prefixes keyed on
// older text would otherwise skew cost accounting.
const Version = "aide-v3"

// Blueprint is the aide's LLM-facing persona, embedded into the shared
// system prefix.
type Blueprint struct {
	Identity string `json:"identity"`
	Voice    string `json:"voice"`
	Prompt   string `json:"prompt"`
}

// Block is one system content block.
type Block struct {
	Text string
	// Cached marks the block for provider-side ephemeral caching.
	Cached bool
	// TTL is the cache lifetime hint for cached blocks.
	TTL time.Duration
}

// Message is one conversation tail entry.
type Message struct {
	Role string // "user" or "assistant"
	Text string
	// CacheBreakpoint marks the final tail message so the provider caches
	// everything before it.
	CacheBreakpoint bool
}

// Turn is one prior conversation exchange as stored in history. OpsApplied
// counts the mutating events the assistant turn landed; mutation turns are
// summarized in the tail instead of replayed verbatim.
type Turn struct {
	Role       string
	Text       string
	OpsApplied int
}

// Prompt is the fully assembled request.
type Prompt struct {
	Version  string
	System   []Block
	Messages []Message
}

// Config tunes the builder.
type Config struct {
	// TailTurns is the number of trailing conversation turns included.
	TailTurns int
	// TTLs per tier for the cached blocks.
	TTL map[classifier.Tier]time.Duration
}

// Builder assembles prompts. Safe for concurrent use.
type Builder struct {
	cfg Config
	now func() time.Time
}

// NewBuilder returns a Builder. A zero TailTurns defaults to 12.
func NewBuilder(cfg Config) *Builder {
	if cfg.TailTurns <= 0 {
		cfg.TailTurns = 12
	}
	return &Builder{cfg: cfg, now: time.Now}
}

// Build assembles the three system blocks and the message tail for one turn.
func (b *Builder) Build(tier classifier.Tier, bp Blueprint, snap *kernel.Snapshot, history []Turn, userMessage string) (*Prompt, error) {
	snapJSON, err := kernel.CanonicalJSON(snap)
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}

	ttl := b.cfg.TTL[tier]
	system := []Block{
		{Text: b.sharedPrefix(bp), Cached: true, TTL: ttl},
		{Text: tierBlock(tier), Cached: true, TTL: ttl},
		{Text: "Current state:\n" + string(snapJSON)},
	}

	messages := b.tail(history)
	messages = append(messages, Message{Role: "user", Text: userMessage})
	messages[len(messages)-1].CacheBreakpoint = true

	return &Prompt{Version: Version, System: system, Messages: messages}, nil
}

// tail compacts history into the last N turns, replacing assistant mutation
// turns with an operation-count summary.
func (b *Builder) tail(history []Turn) []Message {
	if len(history) > b.cfg.TailTurns {
		history = history[len(history)-b.cfg.TailTurns:]
	}
	out := make([]Message, 0, len(history)+1)
	for _, t := range history {
		text := t.Text
		if t.Role == "assistant" && t.OpsApplied > 0 {
			text = fmt.Sprintf("[%d operations applied]", t.OpsApplied)
			if v := strings.TrimSpace(t.Text); v != "" {
				text += " " + v
			}
		}
		out = append(out, Message{Role: t.Role, Text: text})
	}
	return out
}

func (b *Builder) sharedPrefix(bp Blueprint) string {
	var sb strings.Builder
	if bp.Identity != "" {
		fmt.Fprintf(&sb, "You are %s.\n", bp.Identity)
	}
	if bp.Voice != "" {
		fmt.Fprintf(&sb, "Voice: %s\n", bp.Voice)
	}
	if bp.Prompt != "" {
		sb.WriteString(bp.Prompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString(voiceRules)
	sb.WriteString("\n")
	sb.WriteString(primitiveCatalog)
	sb.WriteString("\n")
	sb.WriteString(treeGuidance)
	sb.WriteString("\n")
	sb.WriteString(b.dateContext())
	sb.WriteString("\n")
	sb.WriteString(classificationGuidance)
	return sb.String()
}

// dateContext gives the model a calendar anchor for phrases like "next
// friday". Day granularity keeps the block cacheable for a whole day.
func (b *Builder) dateContext() string {
	t := b.now().UTC()
	return fmt.Sprintf("Today is %s, %s. Resolve relative dates against this.",
		t.Weekday(), t.Format("2006-01-02"))
}

func tierBlock(tier classifier.Tier) string {
	switch tier {
	case classifier.TierL3:
		return l3Block
	case classifier.TierL4:
		return l4Block
	default:
		return l2Block
	}
}
