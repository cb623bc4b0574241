package kernel

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Primitive names. The reducer recognizes exactly this catalog; anything else
// rejects with CodeUnknownPrimitive.
const (
	PrimEntityCreate  = "entity.create"
	PrimEntityUpdate  = "entity.update"
	PrimEntityRemove  = "entity.remove"
	PrimEntityMove    = "entity.move"
	PrimEntityReorder = "entity.reorder"
	PrimRelSet        = "rel.set"
	PrimRelRemove     = "rel.remove"
	PrimRelConstrain  = "rel.constrain"
	PrimStyleSet      = "style.set"
	PrimStyleEntity   = "style.entity"
	PrimMetaSet       = "meta.set"
	PrimMetaAnnotate  = "meta.annotate"
	PrimMetaConstrain = "meta.constrain"
	PrimSchemaCreate  = "schema.create"
	PrimSchemaUpdate  = "schema.update"
	PrimSchemaRemove  = "schema.remove"
	PrimVoice         = "voice"
	PrimEscalate      = "escalate"
	PrimBatchStart    = "batch.start"
	PrimBatchEnd      = "batch.end"
)

// IsSignal reports whether the primitive is a pass-through signal that never
// mutates the snapshot and is never appended to the event log.
func IsSignal(primitive string) bool {
	switch primitive {
	case PrimVoice, PrimEscalate, PrimBatchStart, PrimBatchEnd:
		return true
	}
	return false
}

// Rejection codes. A rejected event is never appended to the log.
const (
	CodeEntityAlreadyExists     = "ENTITY_ALREADY_EXISTS"
	CodeEntityNotFound          = "ENTITY_NOT_FOUND"
	CodeParentNotFound          = "PARENT_NOT_FOUND"
	CodeCycleDetected           = "CYCLE_DETECTED"
	CodeMissingRef              = "MISSING_REF"
	CodeInvalidID               = "INVALID_ID"
	CodeUnknownPrimitive        = "UNKNOWN_PRIMITIVE"
	CodeTypeMismatch            = "TYPE_MISMATCH"
	CodeCardinalityMismatch     = "CARDINALITY_MISMATCH"
	CodeChildrenMismatch        = "CHILDREN_MISMATCH"
	CodeStrictConstraintViolated = "STRICT_CONSTRAINT_VIOLATED"
	CodeSchemaInUse             = "SCHEMA_IN_USE"
	CodeSchemaNotFound          = "SCHEMA_NOT_FOUND"
)

// Warning codes. The event still applies.
const (
	WarnAlreadyRemoved      = "ALREADY_REMOVED"
	WarnConstraintViolated  = "CONSTRAINT_VIOLATED"
	WarnUnknownFieldIgnored = "UNKNOWN_FIELD_IGNORED"
	WarnSchemaFieldMissing  = "SCHEMA_FIELD_MISSING"
)

// ReduceError is a structured rejection. Reduce returns it; it never
// propagates as a Go error from the reducer itself.
type ReduceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ReduceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Warning is a non-fatal finding attached to an applied event.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event wraps one primitive with its envelope. ID, Sequence, and Timestamp
// are assigned by the orchestrator on persist; the reducer treats Timestamp
// as opaque payload data (annotations copy it) and never interprets it.
type Event struct {
	ID        string  `json:"id,omitempty"`
	Sequence  int64   `json:"sequence,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Actor     string  `json:"actor,omitempty"`
	Source    string  `json:"source,omitempty"`
	Type      string  `json:"type"`
	Payload   Payload `json:"payload"`
}

// Payload is the closed set of primitive payloads.
type Payload interface{ primitive() string }

// EntityCreate inserts an entity under a parent.
type EntityCreate struct {
	ID      string         `json:"id"`
	Parent  string         `json:"parent,omitempty"`
	Display string         `json:"display,omitempty"`
	Schema  string         `json:"schema,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
}

// EntityUpdate shallow-merges props into an entity.
type EntityUpdate struct {
	Ref   string         `json:"ref"`
	Props map[string]any `json:"props,omitempty"`
}

// EntityRemove soft-deletes an entity and its descendants.
type EntityRemove struct {
	Ref string `json:"ref"`
}

// EntityMove reattaches an entity under a new parent.
type EntityMove struct {
	Ref       string `json:"ref"`
	NewParent string `json:"new_parent"`
	Position  *int   `json:"position,omitempty"`
}

// EntityReorder replaces a parent's live child order.
type EntityReorder struct {
	Parent   string   `json:"parent"`
	Children []string `json:"children"`
}

// RelSet registers/overwrites a relationship tuple.
type RelSet struct {
	From        string      `json:"from"`
	To          string      `json:"to"`
	Type        string      `json:"type"`
	Cardinality Cardinality `json:"cardinality,omitempty"`
}

// RelRemove deletes a relationship tuple. Idempotent.
type RelRemove struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// ConstrainPayload persists a constraint (rel.constrain and meta.constrain
// share the shape).
type ConstrainPayload struct {
	Constraint
}

// StyleSet shallow-merges global styles. Null values remove keys.
type StyleSet struct {
	Styles map[string]any `json:"styles"`
}

// StyleEntity merges per-entity style overrides.
type StyleEntity struct {
	Ref    string         `json:"ref"`
	Styles map[string]any `json:"styles"`
}

// MetaSet shallow-merges meta properties.
type MetaSet struct {
	Props map[string]any `json:"props"`
}

// MetaAnnotate appends an annotation.
type MetaAnnotate struct {
	Note   string `json:"note"`
	Pinned bool   `json:"pinned,omitempty"`
}

// SchemaPayload registers or modifies a schema (schema.create and
// schema.update share the shape).
type SchemaPayload struct {
	Schema
}

// SchemaRemove unregisters a schema.
type SchemaRemove struct {
	Ref string `json:"ref"`
}

// Voice carries free-form display text. Signal; no state change.
type Voice struct {
	Text string `json:"text"`
}

// Escalate hints that the turn should re-run at a higher tier. Signal.
type Escalate struct {
	Reason string `json:"reason,omitempty"`
}

// BatchStart opens a delta batch window. Signal.
type BatchStart struct{}

// BatchEnd closes a delta batch window. Signal.
type BatchEnd struct{}

func (EntityCreate) primitive() string     { return PrimEntityCreate }
func (EntityUpdate) primitive() string     { return PrimEntityUpdate }
func (EntityRemove) primitive() string     { return PrimEntityRemove }
func (EntityMove) primitive() string       { return PrimEntityMove }
func (EntityReorder) primitive() string    { return PrimEntityReorder }
func (RelSet) primitive() string           { return PrimRelSet }
func (RelRemove) primitive() string        { return PrimRelRemove }
func (ConstrainPayload) primitive() string { return PrimRelConstrain }
func (StyleSet) primitive() string         { return PrimStyleSet }
func (StyleEntity) primitive() string      { return PrimStyleEntity }
func (MetaSet) primitive() string          { return PrimMetaSet }
func (MetaAnnotate) primitive() string     { return PrimMetaAnnotate }
func (SchemaPayload) primitive() string    { return PrimSchemaCreate }
func (SchemaRemove) primitive() string     { return PrimSchemaRemove }
func (Voice) primitive() string            { return PrimVoice }
func (Escalate) primitive() string         { return PrimEscalate }
func (BatchStart) primitive() string       { return PrimBatchStart }
func (BatchEnd) primitive() string         { return PrimBatchEnd }

// idPattern accepts snake_case entity/schema ids: lowercase start, then
// lowercase letters, digits, underscores.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidID reports whether id is an acceptable entity id.
func ValidID(id string) bool {
	return id != RootID && idPattern.MatchString(id)
}

// wireEvent is the superset of envelope keys accepted on the wire. The LLM
// emits the compact form (t/p); stored events and direct edits use the long
// form. Unknown keys are ignored.
type wireEvent struct {
	// Envelope (long form). In the compact form "id" belongs to the payload
	// (entity id); the spurious envelope value it produces there is harmless
	// because the orchestrator assigns real event ids on persist.
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Actor     string          `json:"actor"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`

	// Compact form type tag and props alias.
	T string         `json:"t"`
	P map[string]any `json:"p"`
}

// DecodeWireLine parses one JSONL line from the LLM stream (or one direct
// edit) into an Event. It accepts both the compact form
// {"t":"entity.update","ref":"x","p":{...}} and the canonical form
// {"type":"entity.update","payload":{...}}.
func DecodeWireLine(line []byte) (*Event, error) {
	var we wireEvent
	if err := json.Unmarshal(line, &we); err != nil {
		return nil, fmt.Errorf("decode event line: %w", err)
	}
	typ := we.Type
	if typ == "" {
		typ = we.T
	}
	if typ == "" {
		return nil, fmt.Errorf("decode event line: missing type tag")
	}

	var fields map[string]any
	switch {
	case len(we.Payload) > 0:
		if err := json.Unmarshal(we.Payload, &fields); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	default:
		// Compact form: every non-envelope key on the line is a payload field,
		// and "p" aliases "props"/"styles" depending on the primitive.
		if err := json.Unmarshal(line, &fields); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		for _, k := range []string{"t", "type", "sequence", "timestamp", "actor", "source"} {
			delete(fields, k)
		}
		if p, ok := fields["p"]; ok {
			delete(fields, "p")
			switch typ {
			case PrimStyleSet, PrimStyleEntity:
				fields["styles"] = p
			case PrimMetaSet:
				fields["props"] = p
			default:
				fields["props"] = p
			}
		}
	}

	payload, err := decodePayload(typ, fields)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        we.ID,
		Sequence:  we.Sequence,
		Timestamp: we.Timestamp,
		Actor:     we.Actor,
		Source:    we.Source,
		Type:      typ,
		Payload:   payload,
	}, nil
}

// UnmarshalJSON decodes a stored (canonical-form) event.
func (e *Event) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeWireLine(data)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// decodePayload lowers a generic field map into the typed payload for the
// primitive. Wrong-typed fields fail here as decode errors; semantic problems
// (unknown refs, cardinality conflicts) are the reducer's to reject.
func decodePayload(typ string, fields map[string]any) (Payload, error) {
	remarshal := func(dst any) error {
		raw, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	}

	switch typ {
	case PrimEntityCreate:
		var p EntityCreate
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimEntityUpdate:
		var p EntityUpdate
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		if p.Ref == "" {
			// The LLM occasionally says "id" where the contract says "ref".
			if id, ok := fields["id"].(string); ok {
				p.Ref = id
			}
		}
		return p, nil
	case PrimEntityRemove:
		var p EntityRemove
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		if p.Ref == "" {
			if id, ok := fields["id"].(string); ok {
				p.Ref = id
			}
		}
		return p, nil
	case PrimEntityMove:
		var p EntityMove
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimEntityReorder:
		var p EntityReorder
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimRelSet:
		var p RelSet
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimRelRemove:
		var p RelRemove
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimRelConstrain, PrimMetaConstrain:
		var p ConstrainPayload
		if err := remarshal(&p.Constraint); err != nil {
			return nil, err
		}
		return p, nil
	case PrimStyleSet:
		var p StyleSet
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimStyleEntity:
		var p StyleEntity
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimMetaSet:
		var p MetaSet
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimMetaAnnotate:
		var p MetaAnnotate
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimSchemaCreate, PrimSchemaUpdate:
		var p SchemaPayload
		if err := remarshal(&p.Schema); err != nil {
			return nil, err
		}
		return p, nil
	case PrimSchemaRemove:
		var p SchemaRemove
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		if p.Ref == "" {
			if id, ok := fields["id"].(string); ok {
				p.Ref = id
			}
		}
		return p, nil
	case PrimVoice:
		var p Voice
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimEscalate:
		var p Escalate
		if err := remarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case PrimBatchStart:
		return BatchStart{}, nil
	case PrimBatchEnd:
		return BatchEnd{}, nil
	default:
		// Unknown primitives still decode so the reducer can return the
		// structured UNKNOWN_PRIMITIVE rejection instead of a parse failure.
		return unknownPayload{typ: typ}, nil
	}
}

// unknownPayload lets an unrecognized primitive flow to the reducer, which
// rejects it with CodeUnknownPrimitive.
type unknownPayload struct {
	typ string
}

func (u unknownPayload) primitive() string { return u.typ }

func (u unknownPayload) MarshalJSON() ([]byte, error) {
	return []byte("{}"), nil
}
