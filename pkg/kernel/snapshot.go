package kernel

// RootID is the synthetic parent id of top-level entities. It is not itself
// an entity in the snapshot.
const RootID = "root"

// SnapshotVersion is the schema version marker written into new snapshots.
const SnapshotVersion = 1

// Cardinality classifies a relationship type. Registered at first use and
// immutable thereafter.
type Cardinality string

// Recognized cardinalities.
const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// ValidCardinality reports whether c is one of the recognized cardinalities.
func ValidCardinality(c Cardinality) bool {
	switch c {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
		return true
	}
	return false
}

// Entity is a node in the aide's content tree.
type Entity struct {
	ID         string         `json:"id"`
	Parent     string         `json:"parent"`
	Display    string         `json:"display,omitempty"`
	Schema     string         `json:"schema,omitempty"`
	Props      map[string]any `json:"props"`
	Removed    bool           `json:"_removed"`
	Children   []string       `json:"_children"`
	CreatedSeq int64          `json:"_created_seq"`
	UpdatedSeq int64          `json:"_updated_seq"`
}

// Annotation is one entry of the meta annotation log.
type Annotation struct {
	Note   string `json:"note"`
	Pinned bool   `json:"pinned"`
	TS     string `json:"ts"`
	Seq    int64  `json:"seq"`
}

// Constraint rule names.
const (
	RuleExcludePair    = "exclude_pair"
	RuleRequireSame    = "require_same"
	RuleMaxChildren    = "max_children"
	RuleMinChildren    = "min_children"
	RuleUniqueField    = "unique_field"
	RuleRequiredFields = "required_fields"
)

// Constraint is a named rule checked after every mutating event. Non-strict
// violations warn; strict violations reject the triggering event.
type Constraint struct {
	ID     string `json:"id"`
	Rule   string `json:"rule"`
	Strict bool   `json:"strict,omitempty"`

	// exclude_pair / require_same
	A       string `json:"a,omitempty"`
	B       string `json:"b,omitempty"`
	RelType string `json:"rel_type,omitempty"`

	// max_children / min_children / unique_field / required_fields
	Parent string   `json:"parent,omitempty"`
	Max    int      `json:"max,omitempty"`
	Min    int      `json:"min,omitempty"`
	Field  string   `json:"field,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Path   string   `json:"path,omitempty"`
}

// Meta holds document-level state: a flat property map (title, identity,
// visibility, ...), the annotation log, and the constraint registry.
type Meta struct {
	Props       map[string]any        `json:"props"`
	Annotations []Annotation          `json:"annotations"`
	Constraints map[string]Constraint `json:"constraints"`
}

// RelTuple is one directed relationship instance.
type RelTuple struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Relationships holds the tuple multiset and the per-type cardinality
// registry.
type Relationships struct {
	Tuples      []RelTuple             `json:"tuples"`
	Cardinality map[string]Cardinality `json:"cardinality"`
}

// Styles holds the global design-token map and per-entity overrides.
type Styles struct {
	Global    map[string]any            `json:"global"`
	PerEntity map[string]map[string]any `json:"per_entity"`
}

// SchemaField declares one field of an entity schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Schema is an optional declared shape for entities. Validation is
// advisory: missing required fields warn, undeclared fields are dropped with
// a warning, but the event still applies.
type Schema struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Fields   []SchemaField `json:"fields"`
	Template string        `json:"template,omitempty"`
}

// Snapshot is the full materialized state of one aide.
//
// RootOrder is the ordered id list of top-level entities (parent == RootID),
// removed ones included. The synthetic root has no Entity record, so its
// child order has to live on the snapshot itself for entity.reorder to work
// at the top level.
type Snapshot struct {
	Meta          Meta               `json:"meta"`
	Entities      map[string]*Entity `json:"entities"`
	Relationships Relationships      `json:"relationships"`
	Styles        Styles             `json:"styles"`
	Schemas       map[string]*Schema `json:"schemas"`
	RootOrder     []string           `json:"root_order"`
	Version       int                `json:"version"`
	Sequence      int64              `json:"sequence"`
}

// NewSnapshot returns the empty snapshot every event log replays from.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Meta: Meta{
			Props:       map[string]any{},
			Annotations: []Annotation{},
			Constraints: map[string]Constraint{},
		},
		Entities: map[string]*Entity{},
		Relationships: Relationships{
			Tuples:      []RelTuple{},
			Cardinality: map[string]Cardinality{},
		},
		Styles: Styles{
			Global:    map[string]any{},
			PerEntity: map[string]map[string]any{},
		},
		Schemas:   map[string]*Schema{},
		RootOrder: []string{},
		Version:   SnapshotVersion,
	}
}

// Clone returns a deep copy of the snapshot. Reduce mutates only clones, so
// callers keep a consistent value when an event is rejected mid-application.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Meta: Meta{
			Props:       cloneMap(s.Meta.Props),
			Annotations: append([]Annotation(nil), s.Meta.Annotations...),
			Constraints: make(map[string]Constraint, len(s.Meta.Constraints)),
		},
		Entities: make(map[string]*Entity, len(s.Entities)),
		Relationships: Relationships{
			Tuples:      append([]RelTuple(nil), s.Relationships.Tuples...),
			Cardinality: make(map[string]Cardinality, len(s.Relationships.Cardinality)),
		},
		Styles: Styles{
			Global:    cloneMap(s.Styles.Global),
			PerEntity: make(map[string]map[string]any, len(s.Styles.PerEntity)),
		},
		Schemas:   make(map[string]*Schema, len(s.Schemas)),
		RootOrder: append([]string(nil), s.RootOrder...),
		Version:   s.Version,
		Sequence:  s.Sequence,
	}
	for id, cn := range s.Meta.Constraints {
		cn.Fields = append([]string(nil), cn.Fields...)
		c.Meta.Constraints[id] = cn
	}
	for id, e := range s.Entities {
		ce := *e
		ce.Props = cloneMap(e.Props)
		ce.Children = append([]string(nil), e.Children...)
		c.Entities[id] = &ce
	}
	for t, card := range s.Relationships.Cardinality {
		c.Relationships.Cardinality[t] = card
	}
	for id, st := range s.Styles.PerEntity {
		c.Styles.PerEntity[id] = cloneMap(st)
	}
	for id, sc := range s.Schemas {
		cs := *sc
		cs.Fields = append([]SchemaField(nil), sc.Fields...)
		c.Schemas[id] = &cs
	}
	return c
}

// cloneMap deep-copies a JSON-like value tree. Scalars are immutable and
// shared; maps and slices are copied.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Entity returns the entity with the given id, removed or not.
func (s *Snapshot) Entity(id string) (*Entity, bool) {
	e, ok := s.Entities[id]
	return e, ok
}

// LiveEntity returns the entity with the given id only if it is not
// soft-removed.
func (s *Snapshot) LiveEntity(id string) (*Entity, bool) {
	e, ok := s.Entities[id]
	if !ok || e.Removed {
		return nil, false
	}
	return e, true
}

// LiveChildren returns the ordered ids of the non-removed children of parent.
// parent may be RootID.
func (s *Snapshot) LiveChildren(parent string) []string {
	order := s.childOrder(parent)
	live := make([]string, 0, len(order))
	for _, id := range order {
		if c, ok := s.Entities[id]; ok && !c.Removed {
			live = append(live, id)
		}
	}
	return live
}

// childOrder returns the full ordered child id list of parent (removed ids
// included), or nil if parent is neither RootID nor a known entity.
func (s *Snapshot) childOrder(parent string) []string {
	if parent == RootID {
		return s.RootOrder
	}
	e, ok := s.Entities[parent]
	if !ok {
		return nil
	}
	return e.Children
}

// isDescendant reports whether candidate is ref or lies in ref's subtree.
// Used by entity.move cycle detection.
func (s *Snapshot) isDescendant(ref, candidate string) bool {
	if ref == candidate {
		return true
	}
	cur := candidate
	// Bounded by |entities| steps: a well-formed snapshot has no cycles.
	for range len(s.Entities) + 1 {
		e, ok := s.Entities[cur]
		if !ok || e.Parent == RootID {
			return false
		}
		if e.Parent == ref {
			return true
		}
		cur = e.Parent
	}
	return false
}
