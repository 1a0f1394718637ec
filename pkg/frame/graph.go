package frame

import (
	"sort"

	"github.com/orneryd/framestore/pkg/errors"
)

type node struct {
	kind      Kind
	typ       TypeID
	slots     []Slot
	disjuncts []FrameID
	target    Identity
}

// Graph is an arena holding one instance: a root atomic frame plus every
// frame it transitively owns. Frames are addressed by FrameID.
//
// A Graph is not safe for concurrent mutation. Frozen graphs are read-only
// and may be shared between goroutines.
type Graph struct {
	nodes  []node
	root   FrameID
	types  TypeHierarchy
	frozen bool
}

// NewInstance creates a graph whose root is an atomic frame of rootType.
// types is consulted when checking frame values against slot value types;
// nil means only identical types conform.
func NewInstance(types TypeHierarchy, rootType TypeID) *Graph {
	g := &Graph{types: types}
	g.root = g.NewAtomic(rootType)
	return g
}

// Root returns the root frame.
func (g *Graph) Root() FrameID { return g.root }

// RootType returns the type of the root frame.
func (g *Graph) RootType() TypeID { return g.nodes[g.root].typ }

// Types returns the hierarchy the graph checks conformance against.
func (g *Graph) Types() TypeHierarchy { return g.types }

// Len returns the number of frames in the arena, reachable or not.
func (g *Graph) Len() int { return len(g.nodes) }

// Frozen reports whether the graph is read-only.
func (g *Graph) Frozen() bool { return g.frozen }

// Freeze makes the graph read-only. Any later mutation panics.
func (g *Graph) Freeze() { g.frozen = true }

func (g *Graph) node(f FrameID) *node {
	if f < 0 || int(f) >= len(g.nodes) {
		panic(errors.AssertionFailedf("frame %d out of range (graph has %d frames)", f, len(g.nodes)))
	}
	return &g.nodes[f]
}

func (g *Graph) checkMutable() {
	if g.frozen {
		panic(errors.AssertionFailedf("attempt to modify a frozen graph"))
	}
}

// Kind returns the category of f.
func (g *Graph) Kind(f FrameID) Kind { return g.node(f).kind }

// Type returns the type of f. Disjunctions have no type of their own.
func (g *Graph) Type(f FrameID) TypeID { return g.node(f).typ }

// Target returns the identity a reference frame points at.
func (g *Graph) Target(f FrameID) Identity { return g.node(f).target }

// Disjuncts returns the members of a disjunction. Callers must not modify the result.
func (g *Graph) Disjuncts(f FrameID) []FrameID { return g.node(f).disjuncts }

// AsDisjuncts returns the members of a disjunction, or f alone otherwise.
func (g *Graph) AsDisjuncts(f FrameID) []FrameID {
	n := g.node(f)
	if n.kind == Disjunction {
		return n.disjuncts
	}
	return []FrameID{f}
}

// Slots returns the slots of f. Only atomic frames have slots.
// Callers must not modify the result; use AddValue and friends.
func (g *Graph) Slots(f FrameID) []Slot { return g.node(f).slots }

// Slot returns the slot of f with the given id, or nil.
func (g *Graph) Slot(f FrameID, id SlotID) *Slot {
	n := g.node(f)
	for i := range n.slots {
		if n.slots[i].Spec.ID == id {
			return &n.slots[i]
		}
	}
	return nil
}

// NewAtomic adds an unattached atomic frame of type t.
func (g *Graph) NewAtomic(t TypeID) FrameID {
	g.checkMutable()
	g.nodes = append(g.nodes, node{kind: Atomic, typ: t})
	return FrameID(len(g.nodes) - 1)
}

// NewReference adds a reference to the stored instance target, whose type is t.
func (g *Graph) NewReference(t TypeID, target Identity) FrameID {
	g.checkMutable()
	g.nodes = append(g.nodes, node{kind: Reference, typ: t, target: target})
	return FrameID(len(g.nodes) - 1)
}

// NewDisjunction adds an OR-node over members. Nested disjunctions are
// flattened and duplicates dropped. A single remaining member is returned
// as is rather than wrapped.
func (g *Graph) NewDisjunction(members ...FrameID) (FrameID, error) {
	g.checkMutable()

	var flat []FrameID
	seen := make(map[FrameID]bool, len(members))
	add := func(f FrameID) {
		if !seen[f] {
			seen[f] = true
			flat = append(flat, f)
		}
	}
	for _, m := range members {
		switch g.node(m).kind {
		case Atomic:
			add(m)
		case Disjunction:
			for _, d := range g.node(m).disjuncts {
				add(d)
			}
		case Reference:
			return NoFrame, errors.Wrapf(ErrInvalidDisjunct, "frame %d is a reference", m)
		default:
			panic(errors.AssertionFailedf("unknown frame kind %v", g.node(m).kind))
		}
	}

	switch len(flat) {
	case 0:
		return NoFrame, errors.Wrap(ErrInvalidDisjunct, "disjunction has no members")
	case 1:
		return flat[0], nil
	}
	g.nodes = append(g.nodes, node{kind: Disjunction, disjuncts: flat})
	return FrameID(len(g.nodes) - 1), nil
}

// AddSlot attaches an empty slot to atomic frame f.
func (g *Graph) AddSlot(f FrameID, spec SlotSpec) error {
	g.checkMutable()
	n := g.node(f)
	if n.kind != Atomic {
		return errors.Wrapf(ErrNotAtomic, "cannot add slot %q to %s frame", spec.ID, n.kind)
	}
	if g.Slot(f, spec.ID) != nil {
		return errors.Wrapf(ErrDuplicateSlot, "slot %q on %q", spec.ID, n.typ)
	}
	n.slots = append(n.slots, Slot{Spec: spec})
	return nil
}

// AddValue appends v to slot id of frame f, enforcing value type and cardinality.
func (g *Graph) AddValue(f FrameID, id SlotID, v Value) error {
	g.checkMutable()
	s := g.Slot(f, id)
	if s == nil {
		return errors.Wrapf(ErrNoSuchSlot, "slot %q on %q", id, g.node(f).typ)
	}
	if !g.Conforms(s.Spec.ValueType, v) {
		return errors.Wrapf(ErrValueType, "slot %q expects %s", id, s.Spec.ValueType)
	}
	if s.Spec.Cardinality == Single && len(s.Values) > 0 {
		return errors.Wrapf(ErrCardinality, "slot %q is single-valued", id)
	}
	s.Values = append(s.Values, v)
	return nil
}

// ClearValues empties slot id of frame f.
func (g *Graph) ClearValues(f FrameID, id SlotID) error {
	g.checkMutable()
	s := g.Slot(f, id)
	if s == nil {
		return errors.Wrapf(ErrNoSuchSlot, "slot %q on %q", id, g.node(f).typ)
	}
	s.Values = nil
	return nil
}

// Conforms reports whether v is an acceptable value for vt.
func (g *Graph) Conforms(vt ValueType, v Value) bool {
	switch val := v.(type) {
	case FrameValue:
		if vt.Kind != FrameKind {
			return false
		}
		for _, d := range g.AsDisjuncts(val.Frame) {
			if !subsumes(g.types, vt.Root, g.node(d).typ) {
				return false
			}
		}
		return true
	case NumberValue:
		return vt.Kind == NumberKind && val.Number.Valid() && vt.Range.Contains(val.Number)
	case StringValue:
		return vt.Kind == StringKind
	default:
		panic(errors.AssertionFailedf("unknown value %T", v))
	}
}

// Copy returns an independent, mutable copy of the graph sharing no
// slot or value storage with g.
func (g *Graph) Copy() *Graph {
	c := &Graph{
		nodes: make([]node, len(g.nodes)),
		root:  g.root,
		types: g.types,
	}
	for i, n := range g.nodes {
		cn := n
		if n.disjuncts != nil {
			cn.disjuncts = append([]FrameID(nil), n.disjuncts...)
		}
		if n.slots != nil {
			cn.slots = make([]Slot, len(n.slots))
			for j, s := range n.slots {
				cn.slots[j] = Slot{Spec: s.Spec, Values: append([]Value(nil), s.Values...)}
			}
		}
		c.nodes[i] = cn
	}
	return c
}

// Walk calls fn once for every frame reachable from the root, in
// depth-first order starting at the root.
func (g *Graph) Walk(fn func(f FrameID)) {
	seen := make([]bool, len(g.nodes))
	var visit func(f FrameID)
	visit = func(f FrameID) {
		if seen[f] {
			return
		}
		seen[f] = true
		fn(f)
		n := g.node(f)
		switch n.kind {
		case Atomic:
			for _, s := range n.slots {
				for _, v := range s.Values {
					if fv, ok := v.(FrameValue); ok {
						visit(fv.Frame)
					}
				}
			}
		case Disjunction:
			for _, d := range n.disjuncts {
				visit(d)
			}
		case Reference:
		default:
			panic(errors.AssertionFailedf("unknown frame kind %v", n.kind))
		}
	}
	visit(g.root)
}

// ReferenceIDs returns the sorted, distinct identities referenced anywhere
// in the instance.
func (g *Graph) ReferenceIDs() []Identity {
	set := make(map[Identity]struct{})
	g.Walk(func(f FrameID) {
		if n := g.node(f); n.kind == Reference {
			set[n.target] = struct{}{}
		}
	})
	ids := make([]Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RetargetReferences points every reference to from at to instead and
// returns how many frames changed.
func (g *Graph) RetargetReferences(from, to Identity) int {
	g.checkMutable()
	changed := 0
	for i := range g.nodes {
		if g.nodes[i].kind == Reference && g.nodes[i].target == from {
			g.nodes[i].target = to
			changed++
		}
	}
	return changed
}
