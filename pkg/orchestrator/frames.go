package orchestrator

import (
	"context"

	"github.com/aide-hq/aide/pkg/kernel"
)

// Frame types sent to clients during a turn. One JSON object per frame.
const (
	FrameStreamStart       = "stream.start"
	FrameStreamEnd         = "stream.end"
	FrameStreamInterrupted = "stream.interrupted"
	FrameClassification    = "classification"
	FrameVoice             = "voice"
	FrameBatchStart        = "batch.start"
	FrameBatchEnd          = "batch.end"
	FrameEntityCreate      = "entity.create"
	FrameEntityUpdate      = "entity.update"
	FrameEntityRemove      = "entity.remove"
	FrameRejection         = "rejection"
	FrameDirectEditError   = "direct_edit.error"
)

// Frame is one server-to-client message. Unused fields are omitted on the
// wire; the Type field decides which ones carry meaning.
type Frame struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	Model     string         `json:"model,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Sequence  int64          `json:"sequence,omitempty"`
	Code      string         `json:"code,omitempty"`
	Event     string         `json:"event,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Persistent reports whether the frame should survive in the catchup log.
// Voice tokens are transient: they are fanned out live and never replayed.
func (f Frame) Persistent() bool {
	return f.Type != FrameVoice
}

// Sink receives ordered frames for one turn.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Send(ctx context.Context, f Frame) error { return fn(ctx, f) }

func streamStartFrame(messageID string) Frame {
	return Frame{Type: FrameStreamStart, MessageID: messageID}
}

func streamEndFrame(messageID, errMsg string) Frame {
	return Frame{Type: FrameStreamEnd, MessageID: messageID, Error: errMsg}
}

func interruptedFrame(messageID string) Frame {
	return Frame{Type: FrameStreamInterrupted, MessageID: messageID}
}

func classificationFrame(tier, model, reason string) Frame {
	return Frame{Type: FrameClassification, Tier: tier, Model: model, Reason: reason}
}

func voiceFrame(text string) Frame {
	return Frame{Type: FrameVoice, Text: text}
}

func rejectionFrame(eventType string, err *kernel.ReduceError) Frame {
	return Frame{Type: FrameRejection, Code: err.Code, Event: eventType, Reason: err.Message}
}

// deltaFrame mirrors one applied event as an entity-level delta built from
// the post-reduction snapshot, so clients see materialized values rather
// than the raw primitive payload.
func deltaFrame(ev *kernel.Event, snap *kernel.Snapshot) (Frame, bool) {
	switch p := ev.Payload.(type) {
	case kernel.EntityCreate:
		return entityFrame(FrameEntityCreate, p.ID, snap), true
	case kernel.EntityUpdate:
		return entityFrame(FrameEntityUpdate, p.Ref, snap), true
	case kernel.EntityRemove:
		return Frame{Type: FrameEntityRemove, ID: p.Ref, Sequence: snap.Sequence}, true
	case kernel.EntityMove:
		return entityFrame(FrameEntityUpdate, p.Ref, snap), true
	case kernel.EntityReorder:
		parent := p.Parent
		if parent == "" || parent == kernel.RootID {
			return Frame{
				Type:     FrameEntityUpdate,
				ID:       kernel.RootID,
				Data:     map[string]any{"children": snap.RootOrder},
				Sequence: snap.Sequence,
			}, true
		}
		return entityFrame(FrameEntityUpdate, parent, snap), true
	}
	// Relationship, style, meta, and schema changes have no per-entity
	// mirror; clients pick them up from the snapshot hash reconciliation.
	return Frame{}, false
}

func entityFrame(typ, id string, snap *kernel.Snapshot) Frame {
	f := Frame{Type: typ, ID: id, Sequence: snap.Sequence}
	ent, ok := snap.Entity(id)
	if !ok {
		return f
	}
	f.Data = map[string]any{
		"parent": ent.Parent,
		"props":  ent.Props,
	}
	if ent.Display != "" {
		f.Data["display"] = ent.Display
	}
	if ent.Schema != "" {
		f.Data["schema"] = ent.Schema
	}
	if typ == FrameEntityUpdate {
		f.Data["children"] = ent.Children
	}
	return f
}
