// Package events provides real-time frame delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Frames emitted by a turn follow one of two delivery patterns:
//
// Persistent frames (everything except voice) are written to the ws_events
// table and broadcast via NOTIFY in one transaction. A client that
// reconnects mid-turn catches up from the table and misses nothing.
//
// Voice frames are broadcast via NOTIFY only. They are conversational
// texture, not state: a reconnecting client reconciles through the snapshot
// hash, so replaying stale voice text would only be noise.
package events

import "github.com/aide-hq/aide/pkg/llm"

// AideChannel returns the NOTIFY channel name for a specific aide's frames.
// Format: "aide:{aide_id}"
func AideChannel(aideID string) string {
	return "aide:" + aideID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
// Type is one of "message", "direct_edit", "interrupt", "set_profile",
// "catchup", "ping"; it decides which of the remaining fields carry meaning.
type ClientMessage struct {
	Type        string      `json:"type"`
	Content     string      `json:"content,omitempty"`       // message: the user's turn text
	MessageID   string      `json:"message_id,omitempty"`    // message: optional client-chosen id
	EntityID    string      `json:"entity_id,omitempty"`     // direct_edit
	Field       string      `json:"field,omitempty"`         // direct_edit
	Value       any         `json:"value,omitempty"`         // direct_edit
	Profile     llm.Profile `json:"profile,omitempty"`       // set_profile
	LastEventID *int64      `json:"last_event_id,omitempty"` // catchup
}
