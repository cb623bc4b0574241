package kernel

import "fmt"

// AppliedEvent pairs an event with the per-event reduce outcome during a
// replay.
type AppliedEvent struct {
	Event    *Event
	Applied  bool
	Warnings []Warning
	Err      *ReduceError
}

// Replay folds an ordered event log into a snapshot starting from the empty
// state. Rejected and signal events are recorded but do not advance state;
// replaying the same log always yields a byte-identical canonical snapshot.
func Replay(events []*Event) (*Snapshot, []AppliedEvent) {
	s := NewSnapshot()
	trace := make([]AppliedEvent, 0, len(events))
	for _, ev := range events {
		res := Reduce(s, ev)
		s = res.Snapshot
		trace = append(trace, AppliedEvent{
			Event:    ev,
			Applied:  res.Applied,
			Warnings: res.Warnings,
			Err:      res.Err,
		})
	}
	return s, trace
}

// CheckInvariants verifies the structural invariants a well-formed snapshot
// must satisfy after any sequence of reductions. It is a debugging and test
// aid; Reduce is expected to preserve all of them.
func CheckInvariants(s *Snapshot) error {
	// Parent pointers resolve, and every entity appears exactly once in its
	// parent's child order.
	for id, e := range s.Entities {
		if id != e.ID {
			return fmt.Errorf("entity map key %q does not match id %q", id, e.ID)
		}
		if e.Parent != RootID {
			if _, ok := s.Entities[e.Parent]; !ok {
				return fmt.Errorf("entity %q has dangling parent %q", id, e.Parent)
			}
		}
		n := 0
		for _, c := range s.childOrder(e.Parent) {
			if c == id {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("entity %q appears %d times in parent %q order", id, n, e.Parent)
		}
	}

	// Child orders contain only known ids with matching parent pointers, and
	// the hierarchy is acyclic.
	if err := checkOrder(s, RootID, s.RootOrder); err != nil {
		return err
	}
	for id, e := range s.Entities {
		if err := checkOrder(s, id, e.Children); err != nil {
			return err
		}
		// The parent chain must reach the root within |entities| steps;
		// isDescendant can't serve here because it counts ref itself.
		steps := 0
		for p := e.Parent; p != RootID; p = s.Entities[p].Parent {
			if _, ok := s.Entities[p]; !ok {
				break // dangling parent, reported above
			}
			steps++
			if steps > len(s.Entities) {
				return fmt.Errorf("entity %q is its own ancestor", id)
			}
		}
	}

	// Removal is subtree-closed: a live entity never sits under a removed one.
	for id, e := range s.Entities {
		if e.Removed {
			continue
		}
		for p := e.Parent; p != RootID; {
			pe, ok := s.Entities[p]
			if !ok {
				break
			}
			if pe.Removed {
				return fmt.Errorf("live entity %q is under removed ancestor %q", id, p)
			}
			p = pe.Parent
		}
	}

	// Relationship tuples reference known entities and registered types.
	for _, t := range s.Relationships.Tuples {
		if _, ok := s.Entities[t.From]; !ok {
			return fmt.Errorf("tuple %s->%s (%s) has unknown source", t.From, t.To, t.Type)
		}
		if _, ok := s.Entities[t.To]; !ok {
			return fmt.Errorf("tuple %s->%s (%s) has unknown target", t.From, t.To, t.Type)
		}
		if _, ok := s.Relationships.Cardinality[t.Type]; !ok {
			return fmt.Errorf("tuple type %q has no registered cardinality", t.Type)
		}
	}

	// Per-entity style overrides reference known entities.
	for ref := range s.Styles.PerEntity {
		if _, ok := s.Entities[ref]; !ok {
			return fmt.Errorf("style override for unknown entity %q", ref)
		}
	}

	// Live entities reference registered schemas.
	for id, e := range s.Entities {
		if e.Removed || e.Schema == "" {
			continue
		}
		if _, ok := s.Schemas[e.Schema]; !ok {
			return fmt.Errorf("entity %q references unregistered schema %q", id, e.Schema)
		}
	}

	if s.Sequence < 0 {
		return fmt.Errorf("negative sequence %d", s.Sequence)
	}
	return nil
}

func checkOrder(s *Snapshot, parent string, order []string) error {
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			return fmt.Errorf("duplicate id %q in child order of %q", id, parent)
		}
		seen[id] = true
		e, ok := s.Entities[id]
		if !ok {
			return fmt.Errorf("child order of %q lists unknown id %q", parent, id)
		}
		if e.Parent != parent {
			return fmt.Errorf("entity %q is ordered under %q but its parent is %q", id, parent, e.Parent)
		}
	}
	return nil
}
