package kernel

import (
	"fmt"
	"sort"
)

// ReduceResult reports the outcome of applying one event.
type ReduceResult struct {
	Snapshot *Snapshot
	Applied  bool
	Warnings []Warning
	Err      *ReduceError
}

func rejected(s *Snapshot, code, format string, args ...any) ReduceResult {
	return ReduceResult{
		Snapshot: s,
		Applied:  false,
		Err:      &ReduceError{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// Reduce applies one event to a snapshot and returns the resulting state.
// The input snapshot is never mutated: applied events return a fresh value,
// rejected events return the input unchanged. Signal primitives pass through
// without touching state or the sequence counter.
func Reduce(s *Snapshot, ev *Event) ReduceResult {
	if ev == nil || ev.Payload == nil {
		return rejected(s, CodeUnknownPrimitive, "nil event")
	}
	if IsSignal(ev.Type) {
		return ReduceResult{Snapshot: s, Applied: true}
	}
	if _, ok := ev.Payload.(unknownPayload); ok {
		return rejected(s, CodeUnknownPrimitive, "unrecognized primitive %q", ev.Type)
	}

	next := s.Clone()
	next.Sequence++

	var warnings []Warning
	var err *ReduceError

	switch p := ev.Payload.(type) {
	case EntityCreate:
		warnings, err = applyEntityCreate(next, p)
	case EntityUpdate:
		warnings, err = applyEntityUpdate(next, p)
	case EntityRemove:
		warnings, err = applyEntityRemove(next, p)
	case EntityMove:
		err = applyEntityMove(next, p)
	case EntityReorder:
		err = applyEntityReorder(next, p)
	case RelSet:
		err = applyRelSet(next, p)
	case RelRemove:
		applyRelRemove(next, p)
	case ConstrainPayload:
		err = applyConstrain(next, p)
	case StyleSet:
		applyStyleSet(next, p)
	case StyleEntity:
		err = applyStyleEntity(next, p)
	case MetaSet:
		applyMetaSet(next, p)
	case MetaAnnotate:
		applyMetaAnnotate(next, p, ev.Timestamp)
	case SchemaPayload:
		err = applySchema(next, ev.Type, p)
	case SchemaRemove:
		err = applySchemaRemove(next, p)
	default:
		return rejected(s, CodeUnknownPrimitive, "unrecognized primitive %q", ev.Type)
	}
	if err != nil {
		return ReduceResult{Snapshot: s, Applied: false, Err: err}
	}

	// Constraint sweep. The event is rejected only when it introduces a new
	// strict violation; a strict constraint already violated before the event
	// must not wedge the log.
	before := violatedSet(s)
	after := violatedConstraints(next)
	for _, v := range after {
		if v.constraint.Strict && !before[v.constraint.ID] {
			return rejected(s, CodeStrictConstraintViolated,
				"constraint %q (%s): %s", v.constraint.ID, v.constraint.Rule, v.detail)
		}
	}
	for _, v := range after {
		if !v.constraint.Strict {
			warnings = append(warnings, Warning{
				Code:    WarnConstraintViolated,
				Message: fmt.Sprintf("constraint %q (%s): %s", v.constraint.ID, v.constraint.Rule, v.detail),
			})
		}
	}

	return ReduceResult{Snapshot: next, Applied: true, Warnings: warnings}
}

func applyEntityCreate(s *Snapshot, p EntityCreate) ([]Warning, *ReduceError) {
	if p.ID == "" {
		return nil, &ReduceError{Code: CodeMissingRef, Message: "entity.create requires id"}
	}
	if !ValidID(p.ID) {
		return nil, &ReduceError{Code: CodeInvalidID, Message: fmt.Sprintf("invalid entity id %q", p.ID)}
	}
	parent := p.Parent
	if parent == "" {
		parent = RootID
	}
	if parent != RootID {
		if _, ok := s.LiveEntity(parent); !ok {
			return nil, &ReduceError{Code: CodeParentNotFound, Message: fmt.Sprintf("parent %q not found", parent)}
		}
	}
	if p.Schema != "" {
		if _, ok := s.Schemas[p.Schema]; !ok {
			return nil, &ReduceError{Code: CodeSchemaNotFound, Message: fmt.Sprintf("schema %q not registered", p.Schema)}
		}
	}

	existing, exists := s.Entities[p.ID]
	if exists && !existing.Removed {
		return nil, &ReduceError{Code: CodeEntityAlreadyExists, Message: fmt.Sprintf("entity %q already exists", p.ID)}
	}

	props := cloneMap(p.Props)
	var warnings []Warning
	if p.Schema != "" {
		props, warnings = validateAgainstSchema(s.Schemas[p.Schema], props)
	}

	if exists {
		// Re-creation of a soft-removed entity: full overwrite, but its
		// subtree stays removed and addressable for replay.
		if existing.Parent != parent {
			detachChild(s, existing.Parent, p.ID)
			attachChild(s, parent, p.ID, nil)
		}
		existing.Parent = parent
		existing.Display = p.Display
		existing.Schema = p.Schema
		existing.Props = props
		existing.Removed = false
		existing.CreatedSeq = s.Sequence
		existing.UpdatedSeq = s.Sequence
		return warnings, nil
	}

	s.Entities[p.ID] = &Entity{
		ID:         p.ID,
		Parent:     parent,
		Display:    p.Display,
		Schema:     p.Schema,
		Props:      props,
		Children:   []string{},
		CreatedSeq: s.Sequence,
		UpdatedSeq: s.Sequence,
	}
	attachChild(s, parent, p.ID, nil)
	return warnings, nil
}

func applyEntityUpdate(s *Snapshot, p EntityUpdate) ([]Warning, *ReduceError) {
	if p.Ref == "" {
		return nil, &ReduceError{Code: CodeMissingRef, Message: "entity.update requires ref"}
	}
	e, ok := s.Entities[p.Ref]
	if !ok {
		return nil, &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("entity %q not found", p.Ref)}
	}
	var warnings []Warning
	if e.Removed {
		warnings = append(warnings, Warning{
			Code:    WarnAlreadyRemoved,
			Message: fmt.Sprintf("entity %q is removed; update applies to the soft-deleted record", p.Ref),
		})
	}
	if len(p.Props) == 0 {
		// Empty update is a no-op by contract (still counts as applied).
		return warnings, nil
	}
	merged := mergeShallow(e.Props, p.Props)
	if e.Schema != "" {
		if sc, ok := s.Schemas[e.Schema]; ok {
			var schemaWarnings []Warning
			merged, schemaWarnings = validateAgainstSchema(sc, merged)
			warnings = append(warnings, schemaWarnings...)
		}
	}
	e.Props = merged
	e.UpdatedSeq = s.Sequence
	return warnings, nil
}

func applyEntityRemove(s *Snapshot, p EntityRemove) ([]Warning, *ReduceError) {
	if p.Ref == "" {
		return nil, &ReduceError{Code: CodeMissingRef, Message: "entity.remove requires ref"}
	}
	e, ok := s.Entities[p.Ref]
	if !ok {
		return nil, &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("entity %q not found", p.Ref)}
	}
	if e.Removed {
		return []Warning{{
			Code:    WarnAlreadyRemoved,
			Message: fmt.Sprintf("entity %q already removed", p.Ref),
		}}, nil
	}
	removeSubtree(s, p.Ref)
	return nil, nil
}

func removeSubtree(s *Snapshot, id string) {
	e := s.Entities[id]
	if e.Removed {
		return
	}
	e.Removed = true
	e.UpdatedSeq = s.Sequence
	for _, child := range e.Children {
		if _, ok := s.Entities[child]; ok {
			removeSubtree(s, child)
		}
	}
}

func applyEntityMove(s *Snapshot, p EntityMove) *ReduceError {
	if p.Ref == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "entity.move requires ref"}
	}
	e, ok := s.Entities[p.Ref]
	if !ok {
		return &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("entity %q not found", p.Ref)}
	}
	newParent := p.NewParent
	if newParent == "" {
		newParent = RootID
	}
	if newParent != RootID {
		if _, ok := s.LiveEntity(newParent); !ok {
			return &ReduceError{Code: CodeParentNotFound, Message: fmt.Sprintf("parent %q not found", newParent)}
		}
		if s.isDescendant(p.Ref, newParent) {
			return &ReduceError{Code: CodeCycleDetected, Message: fmt.Sprintf("moving %q under %q would create a cycle", p.Ref, newParent)}
		}
	}
	detachChild(s, e.Parent, p.Ref)
	attachChild(s, newParent, p.Ref, p.Position)
	e.Parent = newParent
	e.UpdatedSeq = s.Sequence
	return nil
}

func applyEntityReorder(s *Snapshot, p EntityReorder) *ReduceError {
	parent := p.Parent
	if parent == "" {
		parent = RootID
	}
	if parent != RootID {
		if _, ok := s.LiveEntity(parent); !ok {
			return &ReduceError{Code: CodeParentNotFound, Message: fmt.Sprintf("parent %q not found", parent)}
		}
	}
	live := s.LiveChildren(parent)
	if !sameIDSet(live, p.Children) {
		return &ReduceError{
			Code:    CodeChildrenMismatch,
			Message: fmt.Sprintf("reorder list for %q must contain exactly its %d live children", parent, len(live)),
		}
	}
	// New order: the provided live list, then the removed children in their
	// previous relative order so they stay addressable.
	order := append([]string(nil), p.Children...)
	for _, id := range s.childOrder(parent) {
		if e, ok := s.Entities[id]; ok && e.Removed {
			order = append(order, id)
		}
	}
	if parent == RootID {
		s.RootOrder = order
	} else {
		pe := s.Entities[parent]
		pe.Children = order
		pe.UpdatedSeq = s.Sequence
	}
	return nil
}

func applyRelSet(s *Snapshot, p RelSet) *ReduceError {
	if p.Type == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "rel.set requires type"}
	}
	if _, ok := s.LiveEntity(p.From); !ok {
		return &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("relationship source %q not found", p.From)}
	}
	if _, ok := s.LiveEntity(p.To); !ok {
		return &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("relationship target %q not found", p.To)}
	}

	card, registered := s.Relationships.Cardinality[p.Type]
	switch {
	case p.Cardinality == "":
		if !registered {
			card = ManyToMany
			s.Relationships.Cardinality[p.Type] = card
		}
	case !ValidCardinality(p.Cardinality):
		return &ReduceError{Code: CodeTypeMismatch, Message: fmt.Sprintf("unknown cardinality %q", p.Cardinality)}
	case registered && card != p.Cardinality:
		return &ReduceError{
			Code:    CodeCardinalityMismatch,
			Message: fmt.Sprintf("type %q is registered as %s, not %s", p.Type, card, p.Cardinality),
		}
	default:
		card = p.Cardinality
		s.Relationships.Cardinality[p.Type] = card
	}

	// Cardinality enforcement: conflicting tuples are auto-removed.
	keep := s.Relationships.Tuples[:0]
	for _, t := range s.Relationships.Tuples {
		if t.Type == p.Type {
			switch card {
			case OneToOne:
				if t.From == p.From || t.To == p.To {
					continue
				}
			case ManyToOne:
				if t.From == p.From {
					continue
				}
			case OneToMany:
				if t.To == p.To {
					continue
				}
			}
			if t.From == p.From && t.To == p.To {
				continue // exact duplicate; re-appended below
			}
		}
		keep = append(keep, t)
	}
	s.Relationships.Tuples = append(keep, RelTuple{From: p.From, To: p.To, Type: p.Type})
	return nil
}

func applyRelRemove(s *Snapshot, p RelRemove) {
	keep := s.Relationships.Tuples[:0]
	for _, t := range s.Relationships.Tuples {
		if t.From == p.From && t.To == p.To && t.Type == p.Type {
			continue
		}
		keep = append(keep, t)
	}
	s.Relationships.Tuples = keep
}

func applyConstrain(s *Snapshot, p ConstrainPayload) *ReduceError {
	if p.ID == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "constraint requires id"}
	}
	switch p.Rule {
	case RuleExcludePair, RuleRequireSame, RuleMaxChildren, RuleMinChildren, RuleUniqueField, RuleRequiredFields:
	default:
		return &ReduceError{Code: CodeTypeMismatch, Message: fmt.Sprintf("unknown constraint rule %q", p.Rule)}
	}
	c := p.Constraint
	c.Fields = append([]string(nil), c.Fields...)
	s.Meta.Constraints[c.ID] = c
	return nil
}

func applyStyleSet(s *Snapshot, p StyleSet) {
	s.Styles.Global = mergeShallow(s.Styles.Global, p.Styles)
}

func applyStyleEntity(s *Snapshot, p StyleEntity) *ReduceError {
	if p.Ref == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "style.entity requires ref"}
	}
	if _, ok := s.Entities[p.Ref]; !ok {
		return &ReduceError{Code: CodeEntityNotFound, Message: fmt.Sprintf("entity %q not found", p.Ref)}
	}
	merged := mergeShallow(s.Styles.PerEntity[p.Ref], p.Styles)
	if len(merged) == 0 {
		delete(s.Styles.PerEntity, p.Ref)
		return nil
	}
	s.Styles.PerEntity[p.Ref] = merged
	return nil
}

func applyMetaSet(s *Snapshot, p MetaSet) {
	s.Meta.Props = mergeShallow(s.Meta.Props, p.Props)
}

func applyMetaAnnotate(s *Snapshot, p MetaAnnotate, ts string) {
	s.Meta.Annotations = append(s.Meta.Annotations, Annotation{
		Note:   p.Note,
		Pinned: p.Pinned,
		TS:     ts,
		Seq:    s.Sequence,
	})
}

func applySchema(s *Snapshot, eventType string, p SchemaPayload) *ReduceError {
	if p.ID == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "schema requires id"}
	}
	if !ValidID(p.ID) {
		return &ReduceError{Code: CodeInvalidID, Message: fmt.Sprintf("invalid schema id %q", p.ID)}
	}
	if eventType == PrimSchemaUpdate {
		if _, ok := s.Schemas[p.ID]; !ok {
			return &ReduceError{Code: CodeSchemaNotFound, Message: fmt.Sprintf("schema %q not registered", p.ID)}
		}
	}
	sc := p.Schema
	sc.Fields = append([]SchemaField(nil), sc.Fields...)
	s.Schemas[p.ID] = &sc
	return nil
}

func applySchemaRemove(s *Snapshot, p SchemaRemove) *ReduceError {
	if p.Ref == "" {
		return &ReduceError{Code: CodeMissingRef, Message: "schema.remove requires ref"}
	}
	if _, ok := s.Schemas[p.Ref]; !ok {
		return &ReduceError{Code: CodeSchemaNotFound, Message: fmt.Sprintf("schema %q not registered", p.Ref)}
	}
	for id, e := range s.Entities {
		if !e.Removed && e.Schema == p.Ref {
			return &ReduceError{Code: CodeSchemaInUse, Message: fmt.Sprintf("schema %q is used by entity %q", p.Ref, id)}
		}
	}
	delete(s.Schemas, p.Ref)
	return nil
}

// mergeShallow returns base with overlay's top-level keys merged in. A null
// overlay value removes the key.
func mergeShallow(base, overlay map[string]any) map[string]any {
	out := cloneMap(base)
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// validateAgainstSchema drops fields the schema does not declare (warning)
// and reports declared-but-missing required fields (warning). Schema
// validation never rejects; the Open Question on hard-reject vs warn is
// resolved warn-only.
func validateAgainstSchema(sc *Schema, props map[string]any) (map[string]any, []Warning) {
	declared := make(map[string]bool, len(sc.Fields))
	for _, f := range sc.Fields {
		declared[f.Name] = true
	}
	var warnings []Warning
	out := make(map[string]any, len(props))
	keys := sortedKeys(props)
	for _, k := range keys {
		if !declared[k] {
			warnings = append(warnings, Warning{
				Code:    WarnUnknownFieldIgnored,
				Message: fmt.Sprintf("field %q is not declared by schema %q", k, sc.ID),
			})
			continue
		}
		out[k] = props[k]
	}
	for _, f := range sc.Fields {
		if !f.Required {
			continue
		}
		if v, ok := out[f.Name]; !ok || v == nil {
			warnings = append(warnings, Warning{
				Code:    WarnSchemaFieldMissing,
				Message: fmt.Sprintf("required field %q of schema %q is missing", f.Name, sc.ID),
			})
		}
	}
	return out, warnings
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// detachChild removes id from parent's ordered child list.
func detachChild(s *Snapshot, parent, id string) {
	order := s.childOrder(parent)
	out := order[:0]
	for _, c := range order {
		if c != id {
			out = append(out, c)
		}
	}
	if parent == RootID {
		s.RootOrder = out
	} else if e, ok := s.Entities[parent]; ok {
		e.Children = out
	}
}

// attachChild inserts id into parent's ordered child list at position
// (clamped), or appends when position is nil. No-op if already present.
func attachChild(s *Snapshot, parent, id string, position *int) {
	order := s.childOrder(parent)
	for _, c := range order {
		if c == id {
			return
		}
	}
	idx := len(order)
	if position != nil {
		idx = *position
		if idx < 0 {
			idx = 0
		}
		if idx > len(order) {
			idx = len(order)
		}
	}
	order = append(order, "")
	copy(order[idx+1:], order[idx:])
	order[idx] = id
	if parent == RootID {
		s.RootOrder = order
	} else if e, ok := s.Entities[parent]; ok {
		e.Children = order
	}
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}
