package kernel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes a snapshot deterministically: object keys sorted,
// no HTML escaping, numbers formatted by encoding/json's shortest round-trip
// rules. Equal snapshots always serialize to identical bytes, which is what
// makes the replay law and the reconciliation hash testable.
func CanonicalJSON(s *Snapshot) ([]byte, error) {
	// encoding/json sorts map keys, so lowering the snapshot into a plain
	// map tree is sufficient for key ordering; struct field order would not be.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalValue(s)); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder appends a trailing newline; the hash must not include it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the 16-hex-character content hash of the snapshot used for
// client reconciliation after streaming. Not a security primitive.
func Hash(s *Snapshot) (string, error) {
	data, err := CanonicalJSON(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

func canonicalValue(s *Snapshot) map[string]any {
	entities := make(map[string]any, len(s.Entities))
	for id, e := range s.Entities {
		entities[id] = canonicalEntity(e)
	}

	// Meta props are flattened into the meta object; annotations and
	// constraints live under reserved keys.
	meta := make(map[string]any, len(s.Meta.Props)+2)
	for k, v := range s.Meta.Props {
		meta[k] = v
	}
	annotations := make([]any, len(s.Meta.Annotations))
	for i, a := range s.Meta.Annotations {
		annotations[i] = map[string]any{
			"note":   a.Note,
			"pinned": a.Pinned,
			"ts":     a.TS,
			"seq":    a.Seq,
		}
	}
	meta["annotations"] = annotations
	constraints := make(map[string]any, len(s.Meta.Constraints))
	for id, c := range s.Meta.Constraints {
		constraints[id] = canonicalConstraint(c)
	}
	meta["constraints"] = constraints

	tuples := make([]any, len(s.Relationships.Tuples))
	for i, t := range s.Relationships.Tuples {
		tuples[i] = map[string]any{"from": t.From, "to": t.To, "type": t.Type}
	}
	cardinality := make(map[string]any, len(s.Relationships.Cardinality))
	for t, c := range s.Relationships.Cardinality {
		cardinality[t] = string(c)
	}

	perEntity := make(map[string]any, len(s.Styles.PerEntity))
	for id, st := range s.Styles.PerEntity {
		perEntity[id] = st
	}

	schemas := make(map[string]any, len(s.Schemas))
	for id, sc := range s.Schemas {
		schemas[id] = canonicalSchema(sc)
	}

	return map[string]any{
		"meta":     meta,
		"entities": entities,
		"relationships": map[string]any{
			"tuples":      tuples,
			"cardinality": cardinality,
		},
		"styles": map[string]any{
			"global":     s.Styles.Global,
			"per_entity": perEntity,
		},
		"schemas":    schemas,
		"root_order": stringsToAny(s.RootOrder),
		"version":    s.Version,
		"sequence":   s.Sequence,
	}
}

func canonicalEntity(e *Entity) map[string]any {
	m := map[string]any{
		"id":           e.ID,
		"parent":       e.Parent,
		"props":        e.Props,
		"_removed":     e.Removed,
		"_children":    stringsToAny(e.Children),
		"_created_seq": e.CreatedSeq,
		"_updated_seq": e.UpdatedSeq,
	}
	if e.Display != "" {
		m["display"] = e.Display
	}
	if e.Schema != "" {
		m["schema"] = e.Schema
	}
	return m
}

func canonicalConstraint(c Constraint) map[string]any {
	m := map[string]any{"id": c.ID, "rule": c.Rule, "strict": c.Strict}
	if c.A != "" {
		m["a"] = c.A
	}
	if c.B != "" {
		m["b"] = c.B
	}
	if c.RelType != "" {
		m["rel_type"] = c.RelType
	}
	if c.Parent != "" {
		m["parent"] = c.Parent
	}
	if c.Max != 0 {
		m["max"] = c.Max
	}
	if c.Min != 0 {
		m["min"] = c.Min
	}
	if c.Field != "" {
		m["field"] = c.Field
	}
	if len(c.Fields) > 0 {
		m["fields"] = stringsToAny(c.Fields)
	}
	if c.Path != "" {
		m["path"] = c.Path
	}
	return m
}

func canonicalSchema(sc *Schema) map[string]any {
	fields := make([]any, len(sc.Fields))
	for i, f := range sc.Fields {
		fm := map[string]any{"name": f.Name}
		if f.Type != "" {
			fm["type"] = f.Type
		}
		if f.Required {
			fm["required"] = true
		}
		fields[i] = fm
	}
	m := map[string]any{"id": sc.ID, "fields": fields}
	if sc.Name != "" {
		m["name"] = sc.Name
	}
	if sc.Template != "" {
		m["template"] = sc.Template
	}
	return m
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
