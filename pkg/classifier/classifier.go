// Package classifier assigns a model tier to each user turn with ordered,
// tunable rules over the message text and current snapshot. First match wins.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aide-hq/aide/pkg/kernel"
)

// Tier names the model class a turn is routed to.
type Tier string

const (
	// TierL2 is the fast/cheap model for routine single-entity updates.
	TierL2 Tier = "L2"
	// TierL3 is the mid/reasoning model for structural synthesis.
	TierL3 Tier = "L3"
	// TierL4 is the query-only tier: answers questions, mutates nothing.
	TierL4 Tier = "L4"
)

// Result is the classification decision surfaced to the client and recorded
// in telemetry.
type Result struct {
	Tier   Tier
	Reason string
}

// Rules are the tunable inputs of the classifier. Phrase lists and segment
// thresholds are configuration so they can be adjusted without recompiling
// the pipeline.
type Rules struct {
	StructuralPhrases []string `yaml:"structural_phrases"`
	QueryStarters     []string `yaml:"query_starters"`
	DomainPatterns    []string `yaml:"domain_patterns"`
	IntroWords        []string `yaml:"intro_words"`
	// Multi-item introduction thresholds.
	MinCommaSegments   int `yaml:"min_comma_segments"`
	MinNumericSegments int `yaml:"min_numeric_segments"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		StructuralPhrases: []string{
			"add a section", "create a", "set up a", "build a", "make a",
			"reorganize", "restructure", "split the", "group the", "start over",
		},
		QueryStarters: []string{
			"how many", "how much", "who", "what's", "what is", "when is",
			"where", "show me", "list the", "do we have",
		},
		DomainPatterns: []string{
			`budget is\b`,
			`got \d+ quotes`,
			`\w+ starts (on|next|this|monday|tuesday|wednesday|thursday|friday|saturday|sunday)`,
		},
		IntroWords: []string{
			"here are", "here's", "these are", "the players are", "we have",
			"adding", "list:",
		},
		MinCommaSegments:   3,
		MinNumericSegments: 2,
	}
}

// Classifier evaluates the rule chain. Construct with New; the zero value is
// not usable.
type Classifier struct {
	rules          Rules
	addNewPattern  *regexp.Regexp
	domainPatterns []*regexp.Regexp
	numericPattern *regexp.Regexp
}

// New compiles the rule set. Invalid domain patterns are an error: they come
// from operator config and failing fast beats silently skipping a rule.
func New(rules Rules) (*Classifier, error) {
	c := &Classifier{
		rules:          rules,
		addNewPattern:  regexp.MustCompile(`\badd (?:a|an) new ([a-z][a-z0-9 _-]*)`),
		numericPattern: regexp.MustCompile(`\d`),
	}
	for _, p := range rules.DomainPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("classifier: bad domain pattern %q: %w", p, err)
		}
		c.domainPatterns = append(c.domainPatterns, re)
	}
	return c, nil
}

// Classify assigns a tier to one turn. Rules are checked in order; the first
// match decides.
func (c *Classifier) Classify(message string, snap *kernel.Snapshot) Result {
	msg := strings.ToLower(strings.TrimSpace(message))

	// "add a new X" with no entity matching X is structural.
	if m := c.addNewPattern.FindStringSubmatch(msg); m != nil {
		subject := strings.TrimSpace(m[1])
		if !c.entityMatching(snap, subject) {
			return Result{Tier: TierL3, Reason: fmt.Sprintf("new subject %q has no existing entity", subject)}
		}
	}

	for _, phrase := range c.rules.StructuralPhrases {
		if strings.Contains(msg, phrase) {
			return Result{Tier: TierL3, Reason: fmt.Sprintf("structural phrase %q", phrase)}
		}
	}

	if strings.Contains(msg, "?") {
		return Result{Tier: TierL4, Reason: "question mark"}
	}
	for _, starter := range c.rules.QueryStarters {
		if strings.HasPrefix(msg, starter) {
			return Result{Tier: TierL4, Reason: fmt.Sprintf("query starter %q", starter)}
		}
	}

	if len(snap.Entities) == 0 {
		return Result{Tier: TierL3, Reason: "first turn on an empty aide"}
	}

	for i, re := range c.domainPatterns {
		if loc := re.FindString(msg); loc != "" && !c.entityMatching(snap, firstWord(loc)) {
			return Result{Tier: TierL3, Reason: fmt.Sprintf("domain pattern %d matched %q with no existing subtree", i, loc)}
		}
	}

	if c.multiItemIntro(msg) && !hasTable(snap) {
		return Result{Tier: TierL3, Reason: "multi-item introduction with no table"}
	}

	return Result{Tier: TierL2, Reason: "routine update"}
}

// entityMatching reports whether any live entity's id or display name
// contains the normalized subject.
func (c *Classifier) entityMatching(snap *kernel.Snapshot, subject string) bool {
	subject = normalize(subject)
	if subject == "" {
		return false
	}
	for _, e := range snap.Entities {
		if e.Removed {
			continue
		}
		if strings.Contains(normalize(e.ID), subject) || strings.Contains(normalize(e.Display), subject) {
			return true
		}
	}
	return false
}

// multiItemIntro detects a turn that dumps a list of items: an intro word
// plus enough comma or numeric segments to suggest tabular content.
func (c *Classifier) multiItemIntro(msg string) bool {
	intro := false
	for _, w := range c.rules.IntroWords {
		if strings.Contains(msg, w) {
			intro = true
			break
		}
	}
	if !intro {
		return false
	}
	segments := strings.Split(msg, ",")
	if len(segments) >= c.rules.MinCommaSegments {
		return true
	}
	numeric := 0
	for _, seg := range segments {
		if c.numericPattern.MatchString(seg) {
			numeric++
		}
	}
	return numeric >= c.rules.MinNumericSegments
}

// hasTable reports whether the snapshot already holds tabular content: a
// schema-typed entity, or a live parent whose children look like rows (three
// or more, each carrying props).
func hasTable(snap *kernel.Snapshot) bool {
	for _, e := range snap.Entities {
		if !e.Removed && e.Schema != "" {
			return true
		}
	}
	for id, e := range snap.Entities {
		if e.Removed {
			continue
		}
		rows := 0
		for _, child := range snap.LiveChildren(id) {
			if c, ok := snap.LiveEntity(child); ok && len(c.Props) > 0 {
				rows++
			}
		}
		if rows >= 3 {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	// crude singular: "quotes" matches "quote_tracker"
	s = strings.TrimSuffix(s, "s")
	return s
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i > 0 {
		return s[:i]
	}
	return s
}
