package kernel

import (
	"fmt"
	"sort"
)

// violation pairs a constraint with a human-readable account of how the
// current snapshot breaks it.
type violation struct {
	constraint Constraint
	detail     string
}

// violatedSet returns the ids of constraints the snapshot currently violates.
func violatedSet(s *Snapshot) map[string]bool {
	out := make(map[string]bool)
	for _, v := range violatedConstraints(s) {
		out[v.constraint.ID] = true
	}
	return out
}

// violatedConstraints evaluates every registered constraint against the
// snapshot and returns those that do not hold, in constraint-id order.
func violatedConstraints(s *Snapshot) []violation {
	if len(s.Meta.Constraints) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Meta.Constraints))
	for id := range s.Meta.Constraints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []violation
	for _, id := range ids {
		c := s.Meta.Constraints[id]
		if detail, ok := checkConstraint(s, c); !ok {
			out = append(out, violation{constraint: c, detail: detail})
		}
	}
	return out
}

func checkConstraint(s *Snapshot, c Constraint) (string, bool) {
	switch c.Rule {
	case RuleExcludePair:
		return checkExcludePair(s, c)
	case RuleRequireSame:
		return checkRequireSame(s, c)
	case RuleMaxChildren:
		n := len(s.LiveChildren(constraintParent(c)))
		if n > c.Max {
			return fmt.Sprintf("%q has %d live children, max %d", constraintParent(c), n, c.Max), false
		}
	case RuleMinChildren:
		n := len(s.LiveChildren(constraintParent(c)))
		if n < c.Min {
			return fmt.Sprintf("%q has %d live children, min %d", constraintParent(c), n, c.Min), false
		}
	case RuleUniqueField:
		return checkUniqueField(s, c)
	case RuleRequiredFields:
		return checkRequiredFields(s, c)
	}
	return "", true
}

func constraintParent(c Constraint) string {
	if c.Parent == "" {
		return RootID
	}
	return c.Parent
}

// scopeEntities returns the live entities a field constraint ranges over: the
// live children of c.Parent when set, otherwise every live entity. Order is
// deterministic (id-sorted).
func scopeEntities(s *Snapshot, c Constraint) []*Entity {
	var out []*Entity
	if c.Parent != "" {
		for _, id := range s.LiveChildren(c.Parent) {
			if e, ok := s.LiveEntity(id); ok {
				out = append(out, e)
			}
		}
		return out
	}
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if e, ok := s.LiveEntity(id); ok {
			out = append(out, e)
		}
	}
	return out
}

func checkExcludePair(s *Snapshot, c Constraint) (string, bool) {
	for _, t := range s.Relationships.Tuples {
		if c.RelType != "" && t.Type != c.RelType {
			continue
		}
		// Tuples with a soft-removed endpoint do not resolve.
		if _, ok := s.LiveEntity(t.From); !ok {
			continue
		}
		if _, ok := s.LiveEntity(t.To); !ok {
			continue
		}
		if (t.From == c.A && t.To == c.B) || (t.From == c.B && t.To == c.A) {
			return fmt.Sprintf("%q and %q are related via %q", c.A, c.B, t.Type), false
		}
	}
	return "", true
}

func checkRequireSame(s *Snapshot, c Constraint) (string, bool) {
	ea, okA := s.LiveEntity(c.A)
	eb, okB := s.LiveEntity(c.B)
	if !okA || !okB {
		// A vacuous pair does not violate; removal of one side dissolves
		// the obligation rather than wedging the log.
		return "", true
	}
	if c.Field == "" {
		return "", true
	}
	va, aHas := ea.Props[c.Field]
	vb, bHas := eb.Props[c.Field]
	if aHas != bHas || (aHas && !equalValue(va, vb)) {
		return fmt.Sprintf("%q and %q differ on field %q", c.A, c.B, c.Field), false
	}
	return "", true
}

func checkUniqueField(s *Snapshot, c Constraint) (string, bool) {
	if c.Field == "" {
		return "", true
	}
	seen := make(map[string]string)
	for _, e := range scopeEntities(s, c) {
		v, ok := e.Props[c.Field]
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if prev, dup := seen[key]; dup {
			return fmt.Sprintf("entities %q and %q share %s=%v", prev, e.ID, c.Field, v), false
		}
		seen[key] = e.ID
	}
	return "", true
}

func checkRequiredFields(s *Snapshot, c Constraint) (string, bool) {
	for _, e := range scopeEntities(s, c) {
		for _, f := range c.Fields {
			if v, ok := e.Props[f]; !ok || v == nil {
				return fmt.Sprintf("entity %q is missing field %q", e.ID, f), false
			}
		}
	}
	return "", true
}

// equalValue compares two decoded-JSON values structurally.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !equalValue(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
