package orchestrator

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/aide-hq/aide/pkg/kernel"
)

// ParsedLine is one logical unit recovered from the model's output stream:
// either a decoded event or a fragment of free-form voice text.
type ParsedLine struct {
	Event *kernel.Event
	Voice string
}

// LineParser accumulates streamed text and yields complete logical lines.
// One JSON object per line is decoded to an event; anything else is voice.
// Malformed JSON lines are skipped, logged, and counted; they never abort
// the stream.
type LineParser struct {
	buf bytes.Buffer

	// Counters feed the per-call telemetry record.
	Emitted   int
	Malformed int
}

// Feed appends streamed text and returns any units completed by it.
// Free text is surfaced eagerly (without waiting for a newline) so voice
// reaches the client as it arrives; JSON lines wait for their terminator.
func (p *LineParser) Feed(text string) []ParsedLine {
	p.buf.WriteString(text)

	var out []ParsedLine
	for {
		idx := bytes.IndexByte(p.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, p.buf.Bytes()[:idx])
		p.buf.Next(idx + 1)
		if u, ok := p.parseLine(line); ok {
			out = append(out, u)
		}
	}

	// A partial line that cannot be the start of a JSON object is voice.
	rest := p.buf.Bytes()
	if trimmed := bytes.TrimLeft(rest, " \t"); len(trimmed) > 0 && trimmed[0] != '{' {
		out = append(out, ParsedLine{Voice: string(rest)})
		p.buf.Reset()
	}
	return out
}

// Flush drains whatever remains after the stream ends.
func (p *LineParser) Flush() []ParsedLine {
	if p.buf.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	if u, ok := p.parseLine(line); ok {
		return []ParsedLine{u}
	}
	return nil
}

func (p *LineParser) parseLine(line []byte) (ParsedLine, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return ParsedLine{}, false
	}
	if trimmed[0] != '{' {
		return ParsedLine{Voice: string(line)}, true
	}

	ev, err := kernel.DecodeWireLine(trimmed)
	if err != nil {
		p.Malformed++
		slog.Debug("Skipping malformed event line",
			"error", err,
			"line", truncateLine(string(trimmed), 200))
		return ParsedLine{}, false
	}
	p.Emitted++
	return ParsedLine{Event: ev}, true
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
