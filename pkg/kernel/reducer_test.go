package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apply reduces a sequence of events, requiring each to apply.
func apply(t *testing.T, s *Snapshot, events ...*Event) *Snapshot {
	t.Helper()
	for _, ev := range events {
		res := Reduce(s, ev)
		require.Nil(t, res.Err, "event %s rejected: %v", ev.Type, res.Err)
		require.True(t, res.Applied)
		s = res.Snapshot
	}
	return s
}

func create(id, parent string, props map[string]any) *Event {
	return &Event{Type: PrimEntityCreate, Payload: EntityCreate{ID: id, Parent: parent, Props: props}}
}

func TestReduce_EntityCreate(t *testing.T) {
	t.Run("creates under root by default", func(t *testing.T) {
		s := apply(t, NewSnapshot(), create("hero", "", map[string]any{"title": "Welcome"}))

		e, ok := s.LiveEntity("hero")
		require.True(t, ok)
		assert.Equal(t, RootID, e.Parent)
		assert.Equal(t, "Welcome", e.Props["title"])
		assert.Equal(t, []string{"hero"}, s.RootOrder)
		assert.Equal(t, int64(1), s.Sequence)
	})

	t.Run("creates nested and preserves child order", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("nav", "", nil),
			create("home", "nav", nil),
			create("about", "nav", nil),
		)
		assert.Equal(t, []string{"home", "about"}, s.LiveChildren("nav"))
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		s := apply(t, NewSnapshot(), create("hero", "", nil))
		res := Reduce(s, create("hero", "", nil))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeEntityAlreadyExists, res.Err.Code)
		assert.Same(t, s, res.Snapshot)
		assert.Equal(t, int64(1), res.Snapshot.Sequence)
	})

	t.Run("rejects unknown parent", func(t *testing.T) {
		res := Reduce(NewSnapshot(), create("hero", "ghost", nil))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeParentNotFound, res.Err.Code)
	})

	t.Run("rejects invalid ids", func(t *testing.T) {
		for _, id := range []string{"root", "Hero", "9lives", "has-dash", ""} {
			res := Reduce(NewSnapshot(), create(id, "", nil))
			require.NotNil(t, res.Err, "id %q should be rejected", id)
		}
	})

	t.Run("rejects unknown schema", func(t *testing.T) {
		ev := &Event{Type: PrimEntityCreate, Payload: EntityCreate{ID: "card", Schema: "missing"}}
		res := Reduce(NewSnapshot(), ev)
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeSchemaNotFound, res.Err.Code)
	})
}

func TestReduce_EntityUpdate(t *testing.T) {
	t.Run("shallow merge with null deletion", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("hero", "", map[string]any{"title": "Old", "subtitle": "Keep"}),
			&Event{Type: PrimEntityUpdate, Payload: EntityUpdate{
				Ref:   "hero",
				Props: map[string]any{"title": "New", "subtitle": nil},
			}},
		)
		e, _ := s.LiveEntity("hero")
		assert.Equal(t, "New", e.Props["title"])
		_, has := e.Props["subtitle"]
		assert.False(t, has)
	})

	t.Run("update on removed entity warns but applies", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("hero", "", nil),
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "hero"}},
		)
		res := Reduce(s, &Event{Type: PrimEntityUpdate, Payload: EntityUpdate{
			Ref: "hero", Props: map[string]any{"title": "x"},
		}})
		require.Nil(t, res.Err)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, WarnAlreadyRemoved, res.Warnings[0].Code)
		e, _ := res.Snapshot.Entity("hero")
		assert.Equal(t, "x", e.Props["title"])
	})

	t.Run("rejects unknown ref", func(t *testing.T) {
		res := Reduce(NewSnapshot(), &Event{Type: PrimEntityUpdate, Payload: EntityUpdate{Ref: "ghost"}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeEntityNotFound, res.Err.Code)
	})
}

func TestReduce_EntityRemove(t *testing.T) {
	t.Run("soft-removes the whole subtree", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("nav", "", nil),
			create("home", "nav", nil),
			create("about", "nav", nil),
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "nav"}},
		)
		for _, id := range []string{"nav", "home", "about"} {
			e, ok := s.Entity(id)
			require.True(t, ok, "removed entity %q must stay addressable", id)
			assert.True(t, e.Removed, id)
		}
		assert.Empty(t, s.LiveChildren(RootID))
	})

	t.Run("second remove applies with warning and bumps sequence", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("hero", "", nil),
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "hero"}},
		)
		seq := s.Sequence
		res := Reduce(s, &Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "hero"}})
		require.Nil(t, res.Err)
		assert.True(t, res.Applied)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, WarnAlreadyRemoved, res.Warnings[0].Code)
		assert.Equal(t, seq+1, res.Snapshot.Sequence)
	})

	t.Run("recreate overwrites and keeps removed descendants addressable", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("nav", "", map[string]any{"style": "dark"}),
			create("home", "nav", nil),
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "nav"}},
			create("nav", "", map[string]any{"style": "light"}),
		)
		e, ok := s.LiveEntity("nav")
		require.True(t, ok)
		assert.Equal(t, "light", e.Props["style"])
		assert.Equal(t, int64(4), e.CreatedSeq)

		child, ok := s.Entity("home")
		require.True(t, ok)
		assert.True(t, child.Removed)
		assert.Empty(t, s.LiveChildren("nav"))
	})
}

func TestReduce_EntityMove(t *testing.T) {
	base := func(t *testing.T) *Snapshot {
		return apply(t, NewSnapshot(),
			create("a", "", nil),
			create("b", "", nil),
			create("c", "a", nil),
		)
	}

	t.Run("moves with position", func(t *testing.T) {
		pos := 0
		s := apply(t, base(t), &Event{Type: PrimEntityMove, Payload: EntityMove{
			Ref: "c", NewParent: "", Position: &pos,
		}})
		assert.Equal(t, []string{"c", "a", "b"}, s.LiveChildren(RootID))
		assert.Empty(t, s.LiveChildren("a"))
		e, _ := s.LiveEntity("c")
		assert.Equal(t, RootID, e.Parent)
	})

	t.Run("appends when position omitted", func(t *testing.T) {
		s := apply(t, base(t), &Event{Type: PrimEntityMove, Payload: EntityMove{Ref: "c", NewParent: "b"}})
		assert.Equal(t, []string{"c"}, s.LiveChildren("b"))
	})

	t.Run("clamps out-of-range position", func(t *testing.T) {
		pos := 99
		s := apply(t, base(t), &Event{Type: PrimEntityMove, Payload: EntityMove{
			Ref: "c", NewParent: "", Position: &pos,
		}})
		assert.Equal(t, []string{"a", "b", "c"}, s.LiveChildren(RootID))
	})

	t.Run("rejects descendant cycle", func(t *testing.T) {
		s := base(t)
		res := Reduce(s, &Event{Type: PrimEntityMove, Payload: EntityMove{Ref: "a", NewParent: "c"}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeCycleDetected, res.Err.Code)
		assert.Equal(t, []string{"a", "b"}, res.Snapshot.LiveChildren(RootID))
	})

	t.Run("rejects self parent", func(t *testing.T) {
		res := Reduce(base(t), &Event{Type: PrimEntityMove, Payload: EntityMove{Ref: "a", NewParent: "a"}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeCycleDetected, res.Err.Code)
	})
}

func TestReduce_EntityReorder(t *testing.T) {
	base := func(t *testing.T) *Snapshot {
		return apply(t, NewSnapshot(),
			create("a", "", nil),
			create("b", "", nil),
			create("c", "", nil),
		)
	}

	t.Run("reorders root children", func(t *testing.T) {
		s := apply(t, base(t), &Event{Type: PrimEntityReorder, Payload: EntityReorder{
			Children: []string{"c", "a", "b"},
		}})
		assert.Equal(t, []string{"c", "a", "b"}, s.LiveChildren(RootID))
	})

	t.Run("rejects list that is not the live child set", func(t *testing.T) {
		for _, children := range [][]string{
			{"a", "b"},
			{"a", "b", "c", "d"},
			{"a", "b", "b"},
		} {
			res := Reduce(base(t), &Event{Type: PrimEntityReorder, Payload: EntityReorder{Children: children}})
			require.NotNil(t, res.Err, "%v", children)
			assert.Equal(t, CodeChildrenMismatch, res.Err.Code)
		}
	})

	t.Run("removed children keep their relative order after the live ones", func(t *testing.T) {
		s := apply(t, base(t),
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "b"}},
			&Event{Type: PrimEntityReorder, Payload: EntityReorder{Children: []string{"c", "a"}}},
		)
		assert.Equal(t, []string{"c", "a"}, s.LiveChildren(RootID))
		assert.Equal(t, []string{"c", "a", "b"}, s.RootOrder)
	})
}

func rel(from, to, typ string, card Cardinality) *Event {
	return &Event{Type: PrimRelSet, Payload: RelSet{From: from, To: to, Type: typ, Cardinality: card}}
}

func TestReduce_Relationships(t *testing.T) {
	base := func(t *testing.T) *Snapshot {
		return apply(t, NewSnapshot(),
			create("a", "", nil),
			create("b", "", nil),
			create("c", "", nil),
		)
	}

	t.Run("defaults to many_to_many on first use", func(t *testing.T) {
		s := apply(t, base(t), rel("a", "b", "links_to", ""))
		assert.Equal(t, ManyToMany, s.Relationships.Cardinality["links_to"])
		assert.Len(t, s.Relationships.Tuples, 1)
	})

	t.Run("duplicate tuple is idempotent", func(t *testing.T) {
		s := apply(t, base(t),
			rel("a", "b", "links_to", ""),
			rel("a", "b", "links_to", ""),
		)
		assert.Len(t, s.Relationships.Tuples, 1)
	})

	t.Run("one_to_one auto-removes conflicts on either endpoint", func(t *testing.T) {
		s := apply(t, base(t),
			rel("a", "b", "paired", OneToOne),
			rel("a", "c", "paired", ""),
		)
		require.Len(t, s.Relationships.Tuples, 1)
		assert.Equal(t, RelTuple{From: "a", To: "c", Type: "paired"}, s.Relationships.Tuples[0])
	})

	t.Run("many_to_one auto-removes conflicting source", func(t *testing.T) {
		s := apply(t, base(t),
			rel("a", "b", "belongs_to", ManyToOne),
			rel("c", "b", "belongs_to", ""),
			rel("a", "c", "belongs_to", ""),
		)
		require.Len(t, s.Relationships.Tuples, 2)
		assert.NotContains(t, s.Relationships.Tuples, RelTuple{From: "a", To: "b", Type: "belongs_to"})
	})

	t.Run("registered cardinality is immutable", func(t *testing.T) {
		s := apply(t, base(t), rel("a", "b", "paired", OneToOne))
		res := Reduce(s, rel("a", "c", "paired", ManyToMany))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeCardinalityMismatch, res.Err.Code)
	})

	t.Run("rejects unknown cardinality string", func(t *testing.T) {
		res := Reduce(base(t), rel("a", "b", "x", Cardinality("one_to_few")))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeTypeMismatch, res.Err.Code)
	})

	t.Run("rejects removed endpoints", func(t *testing.T) {
		s := apply(t, base(t), &Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "b"}})
		res := Reduce(s, rel("a", "b", "links_to", ""))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeEntityNotFound, res.Err.Code)
	})

	t.Run("rel.remove is idempotent", func(t *testing.T) {
		s := apply(t, base(t),
			rel("a", "b", "links_to", ""),
			&Event{Type: PrimRelRemove, Payload: RelRemove{From: "a", To: "b", Type: "links_to"}},
			&Event{Type: PrimRelRemove, Payload: RelRemove{From: "a", To: "b", Type: "links_to"}},
		)
		assert.Empty(t, s.Relationships.Tuples)
	})
}

func TestReduce_Constraints(t *testing.T) {
	base := func(t *testing.T) *Snapshot {
		return apply(t, NewSnapshot(), create("list", "", nil))
	}

	t.Run("strict max_children rejects the violating create", func(t *testing.T) {
		s := apply(t, base(t),
			&Event{Type: PrimRelConstrain, Payload: ConstrainPayload{Constraint{
				ID: "cap", Rule: RuleMaxChildren, Strict: true, Parent: "list", Max: 1,
			}}},
			create("one", "list", nil),
		)
		res := Reduce(s, create("two", "list", nil))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeStrictConstraintViolated, res.Err.Code)
		assert.Equal(t, []string{"one"}, res.Snapshot.LiveChildren("list"))
	})

	t.Run("non-strict violation warns and applies", func(t *testing.T) {
		s := apply(t, base(t),
			&Event{Type: PrimMetaConstrain, Payload: ConstrainPayload{Constraint{
				ID: "cap", Rule: RuleMaxChildren, Parent: "list", Max: 1,
			}}},
			create("one", "list", nil),
		)
		res := Reduce(s, create("two", "list", nil))
		require.Nil(t, res.Err)
		require.NotEmpty(t, res.Warnings)
		assert.Equal(t, WarnConstraintViolated, res.Warnings[len(res.Warnings)-1].Code)
		assert.Len(t, res.Snapshot.LiveChildren("list"), 2)
	})

	t.Run("registering a strict constraint against an already-violating state rejects the constrain", func(t *testing.T) {
		s := apply(t, base(t),
			create("one", "list", nil),
			create("two", "list", nil),
		)
		res := Reduce(s, &Event{Type: PrimRelConstrain, Payload: ConstrainPayload{Constraint{
			ID: "cap", Rule: RuleMaxChildren, Strict: true, Parent: "list", Max: 1,
		}}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeStrictConstraintViolated, res.Err.Code)
		assert.NotContains(t, res.Snapshot.Meta.Constraints, "cap")
	})

	t.Run("strict min_children rejects the violating remove", func(t *testing.T) {
		s := apply(t, base(t),
			create("one", "list", nil),
			&Event{Type: PrimRelConstrain, Payload: ConstrainPayload{Constraint{
				ID: "floor", Rule: RuleMinChildren, Strict: true, Parent: "list", Min: 1,
			}}},
		)
		res := Reduce(s, &Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "one"}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeStrictConstraintViolated, res.Err.Code)
	})

	t.Run("pre-existing strict violation does not wedge unrelated events", func(t *testing.T) {
		// Hydrated snapshots may carry violations recorded before the strict
		// constraint existed; only events that introduce a new violation are
		// rejected.
		s := base(t)
		s.Meta.Constraints["floor"] = Constraint{
			ID: "floor", Rule: RuleMinChildren, Strict: true, Parent: "list", Min: 1,
		}
		s = apply(t, s, create("aside", "", nil))
		assert.Contains(t, s.RootOrder, "aside")
	})

	t.Run("strict exclude_pair rejects the rel.set", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("a", "", nil),
			create("b", "", nil),
			&Event{Type: PrimRelConstrain, Payload: ConstrainPayload{Constraint{
				ID: "no_ab", Rule: RuleExcludePair, Strict: true, A: "a", B: "b",
			}}},
		)
		res := Reduce(s, rel("b", "a", "links_to", ""))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeStrictConstraintViolated, res.Err.Code)
	})

	t.Run("unique_field scoped to a parent", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			create("team", "", nil),
			&Event{Type: PrimMetaConstrain, Payload: ConstrainPayload{Constraint{
				ID: "uniq", Rule: RuleUniqueField, Strict: true, Parent: "team", Field: "email",
			}}},
			create("alice", "team", map[string]any{"email": "a@x"}),
		)
		res := Reduce(s, create("bob", "team", map[string]any{"email": "a@x"}))
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeStrictConstraintViolated, res.Err.Code)

		s = apply(t, s, create("bob", "team", map[string]any{"email": "b@x"}))
		assert.Len(t, s.LiveChildren("team"), 2)
	})

	t.Run("rejects unknown rule", func(t *testing.T) {
		res := Reduce(NewSnapshot(), &Event{Type: PrimMetaConstrain, Payload: ConstrainPayload{Constraint{
			ID: "x", Rule: "no_such_rule",
		}}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeTypeMismatch, res.Err.Code)
	})
}

func TestReduce_StylesAndMeta(t *testing.T) {
	t.Run("global styles shallow-merge", func(t *testing.T) {
		s := apply(t, NewSnapshot(),
			&Event{Type: PrimStyleSet, Payload: StyleSet{Styles: map[string]any{"accent": "teal", "radius": "8px"}}},
			&Event{Type: PrimStyleSet, Payload: StyleSet{Styles: map[string]any{"accent": "plum", "radius": nil}}},
		)
		assert.Equal(t, map[string]any{"accent": "plum"}, s.Styles.Global)
	})

	t.Run("per-entity styles require an existing entity", func(t *testing.T) {
		res := Reduce(NewSnapshot(), &Event{Type: PrimStyleEntity, Payload: StyleEntity{
			Ref: "ghost", Styles: map[string]any{"bg": "black"},
		}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeEntityNotFound, res.Err.Code)
	})

	t.Run("meta.annotate copies the event timestamp", func(t *testing.T) {
		s := apply(t, NewSnapshot(), &Event{
			Type:      PrimMetaAnnotate,
			Timestamp: "2026-08-26T10:00:00Z",
			Payload:   MetaAnnotate{Note: "renamed the hero", Pinned: true},
		})
		require.Len(t, s.Meta.Annotations, 1)
		a := s.Meta.Annotations[0]
		assert.Equal(t, "renamed the hero", a.Note)
		assert.True(t, a.Pinned)
		assert.Equal(t, "2026-08-26T10:00:00Z", a.TS)
		assert.Equal(t, int64(1), a.Seq)
	})
}

func TestReduce_Schemas(t *testing.T) {
	cardSchema := &Event{Type: PrimSchemaCreate, Payload: SchemaPayload{Schema{
		ID: "card",
		Fields: []SchemaField{
			{Name: "title", Required: true},
			{Name: "body"},
		},
	}}}

	t.Run("create validates props warn-only", func(t *testing.T) {
		s := apply(t, NewSnapshot(), cardSchema)
		res := Reduce(s, &Event{Type: PrimEntityCreate, Payload: EntityCreate{
			ID: "c1", Schema: "card", Props: map[string]any{"body": "hi", "color": "red"},
		}})
		require.Nil(t, res.Err)
		codes := make([]string, 0, len(res.Warnings))
		for _, w := range res.Warnings {
			codes = append(codes, w.Code)
		}
		assert.Contains(t, codes, WarnUnknownFieldIgnored)
		assert.Contains(t, codes, WarnSchemaFieldMissing)
		e, _ := res.Snapshot.LiveEntity("c1")
		_, hasColor := e.Props["color"]
		assert.False(t, hasColor, "undeclared fields are dropped")
	})

	t.Run("schema.update requires existing schema", func(t *testing.T) {
		res := Reduce(NewSnapshot(), &Event{Type: PrimSchemaUpdate, Payload: SchemaPayload{Schema{ID: "card"}}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeSchemaNotFound, res.Err.Code)
	})

	t.Run("schema.remove rejects while in use by a live entity", func(t *testing.T) {
		s := apply(t, NewSnapshot(), cardSchema, &Event{Type: PrimEntityCreate, Payload: EntityCreate{
			ID: "c1", Schema: "card", Props: map[string]any{"title": "t"},
		}})
		res := Reduce(s, &Event{Type: PrimSchemaRemove, Payload: SchemaRemove{Ref: "card"}})
		require.NotNil(t, res.Err)
		assert.Equal(t, CodeSchemaInUse, res.Err.Code)

		s = apply(t, s,
			&Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "c1"}},
			&Event{Type: PrimSchemaRemove, Payload: SchemaRemove{Ref: "card"}},
		)
		assert.NotContains(t, s.Schemas, "card")
	})
}

func TestReduce_Signals(t *testing.T) {
	s := apply(t, NewSnapshot(), create("hero", "", nil))
	for _, typ := range []string{PrimVoice, PrimEscalate, PrimBatchStart, PrimBatchEnd} {
		ev := &Event{Type: typ, Payload: mustDecodePayload(t, typ)}
		res := Reduce(s, ev)
		require.Nil(t, res.Err, typ)
		assert.True(t, res.Applied, typ)
		assert.Same(t, s, res.Snapshot, "%s must not clone state", typ)
		assert.Equal(t, int64(1), res.Snapshot.Sequence, typ)
	}
}

func mustDecodePayload(t *testing.T, typ string) Payload {
	t.Helper()
	p, err := decodePayload(typ, map[string]any{"text": "hi", "reason": "r"})
	require.NoError(t, err)
	return p
}

func TestReduce_UnknownPrimitive(t *testing.T) {
	ev, err := DecodeWireLine([]byte(`{"t":"entity.transmogrify","ref":"hero"}`))
	require.NoError(t, err)
	res := Reduce(NewSnapshot(), ev)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeUnknownPrimitive, res.Err.Code)
	assert.Equal(t, int64(0), res.Snapshot.Sequence)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := apply(t, NewSnapshot(), create("hero", "", map[string]any{"title": "a"}))
	before, err := Hash(s)
	require.NoError(t, err)

	Reduce(s, &Event{Type: PrimEntityUpdate, Payload: EntityUpdate{Ref: "hero", Props: map[string]any{"title": "b"}}})
	Reduce(s, create("hero", "", nil)) // rejected
	Reduce(s, &Event{Type: PrimEntityRemove, Payload: EntityRemove{Ref: "hero"}})

	after, err := Hash(s)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
