// Package regen regenerates stored instance documents against the live schema.
//
// A document written under an older schema may mention types, slots or values
// the schema no longer allows. Regenerate rebuilds the graph, drops whatever
// no longer fits and records where it was dropped, classifying the outcome:
//
//   - FullyValid: nothing was dropped.
//   - PartiallyValid: some slots or values were pruned; the rest is usable.
//   - FullyInvalid: the root type is gone, or the record could not be read.
//
// Pruned parts are always reported, never silently kept or discarded.
package regen

import (
	"strconv"
	"strings"

	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/serial"
)

// Schema is the live schema consulted during regeneration.
// schema.Model implements it.
type Schema interface {
	frame.TypeHierarchy
	HasType(t frame.TypeID) bool
	SlotSpec(t frame.TypeID, id frame.SlotID) (frame.SlotSpec, bool)
}

// Status classifies a regenerated instance.
type Status uint8

const (
	FullyValid Status = iota
	PartiallyValid
	FullyInvalid
)

func (s Status) String() string {
	switch s {
	case FullyValid:
		return "fully-valid"
	case PartiallyValid:
		return "partially-valid"
	case FullyInvalid:
		return "fully-invalid"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// PathKind distinguishes pruned slots from pruned values.
type PathKind uint8

const (
	SlotPath PathKind = iota
	ValuePath
)

// Path locates a pruned slot or value from the root frame.
type Path struct {
	Kind PathKind
	// Root is the type of the root frame.
	Root frame.TypeID
	// Slots is the chain of slot identities from the root to the pruned
	// slot, or to the slot that held the pruned value.
	Slots []frame.SlotID
	// Value describes the pruned value (ValuePath only).
	Value string
}

// Components returns the slot chain as strings.
func (p Path) Components() []string {
	out := make([]string, len(p.Slots))
	for i, s := range p.Slots {
		out[i] = string(s)
	}
	return out
}

func (p Path) String() string {
	parts := append([]string{string(p.Root)}, p.Components()...)
	if p.Kind == ValuePath {
		return "VALUE: " + strings.Join(append(parts, p.Value), "->")
	}
	return "SLOT:  " + strings.Join(parts, "->")
}

// Result is the outcome of regenerating one instance.
type Result struct {
	Identity   frame.Identity
	RootTypeID frame.TypeID
	// Root is the regenerated graph, nil when Status is FullyInvalid.
	Root             *frame.Graph
	Status           Status
	PrunedSlotPaths  []Path
	PrunedValuePaths []Path
	// Err is set when the record could not be read or decoded.
	Err error
}

// PrunedPaths returns slot paths followed by value paths.
func (r *Result) PrunedPaths() []Path {
	out := make([]Path, 0, len(r.PrunedSlotPaths)+len(r.PrunedValuePaths))
	out = append(out, r.PrunedSlotPaths...)
	return append(out, r.PrunedValuePaths...)
}

// Usable reports whether r has a root graph.
func (r *Result) Usable() bool { return r.Status != FullyInvalid }

// Invalid returns a fully-invalid result for a record that failed before
// regeneration could start.
func Invalid(id frame.Identity, rootType frame.TypeID, err error) *Result {
	return &Result{Identity: id, RootTypeID: rootType, Status: FullyInvalid, Err: err}
}

// Regenerate rebuilds doc against s.
func Regenerate(id frame.Identity, doc *serial.Document, s Schema) *Result {
	rootDoc := doc.Frames[doc.Root]
	rootType := frame.TypeID(rootDoc.Type)
	res := &Result{Identity: id, RootTypeID: rootType}

	if !s.HasType(rootType) {
		res.Status = FullyInvalid
		return res
	}

	r := &regenerator{
		doc:   doc,
		s:     s,
		g:     frame.NewInstance(s, rootType),
		built: make(map[int]frame.FrameID),
		res:   res,
	}
	r.built[doc.Root] = r.g.Root()
	r.fillSlots(doc.Root, r.g.Root(), nil)

	res.Root = r.g
	if len(res.PrunedSlotPaths)+len(res.PrunedValuePaths) == 0 {
		res.Status = FullyValid
	} else {
		res.Status = PartiallyValid
	}
	return res
}

type regenerator struct {
	doc   *serial.Document
	s     Schema
	g     *frame.Graph
	built map[int]frame.FrameID
	res   *Result
}

func (r *regenerator) pruneSlot(path []frame.SlotID) {
	r.res.PrunedSlotPaths = append(r.res.PrunedSlotPaths, Path{
		Kind:  SlotPath,
		Root:  r.res.RootTypeID,
		Slots: append([]frame.SlotID(nil), path...),
	})
}

func (r *regenerator) pruneValue(path []frame.SlotID, label string) {
	r.res.PrunedValuePaths = append(r.res.PrunedValuePaths, Path{
		Kind:  ValuePath,
		Root:  r.res.RootTypeID,
		Slots: append([]frame.SlotID(nil), path...),
		Value: label,
	})
}

func (r *regenerator) fillSlots(pos int, f frame.FrameID, path []frame.SlotID) {
	ft := r.g.Type(f)
	for _, ds := range r.doc.Frames[pos].Slots {
		slotPath := append(path[:len(path):len(path)], frame.SlotID(ds.ID))

		spec, ok := r.s.SlotSpec(ft, frame.SlotID(ds.ID))
		if !ok {
			r.pruneSlot(slotPath)
			continue
		}
		stored, err := ds.ValueType.ValueType()
		if err != nil || stored.Kind != spec.ValueType.Kind {
			r.pruneSlot(slotPath)
			continue
		}
		if err := r.g.AddSlot(f, spec); err != nil {
			// Duplicate slot ids in one stored frame; keep the first.
			r.pruneSlot(slotPath)
			continue
		}

		for _, dv := range ds.Values {
			label := r.label(dv)
			v, ok := r.value(dv, spec.ValueType, slotPath)
			if !ok {
				r.pruneValue(slotPath, label)
				continue
			}
			if err := r.g.AddValue(f, spec.ID, v); err != nil {
				// Cardinality narrowed since the record was written.
				r.pruneValue(slotPath, label)
			}
		}
	}
}

func (r *regenerator) value(dv serial.Value, vt frame.ValueType, path []frame.SlotID) (frame.Value, bool) {
	switch {
	case dv.Frame != nil:
		if vt.Kind != frame.FrameKind {
			return nil, false
		}
		f, ok := r.frame(*dv.Frame, vt, path)
		if !ok {
			return nil, false
		}
		return frame.FrameValue{Frame: f}, true
	case dv.Number != nil:
		n := dv.Number.Number()
		if vt.Kind != frame.NumberKind || !n.Valid() || !vt.Range.Contains(n) {
			return nil, false
		}
		return frame.NumberValue{Number: n}, true
	case dv.String != nil:
		if vt.Kind != frame.StringKind {
			return nil, false
		}
		return frame.StringValue(*dv.String), true
	default:
		return nil, false
	}
}

func (r *regenerator) frame(pos int, vt frame.ValueType, path []frame.SlotID) (frame.FrameID, bool) {
	df := r.doc.Frames[pos]
	if f, ok := r.built[pos]; ok {
		for _, d := range r.g.AsDisjuncts(f) {
			if !r.s.Subsumes(vt.Root, r.g.Type(d)) {
				return frame.NoFrame, false
			}
		}
		return f, true
	}

	switch df.Kind {
	case serial.KindAtomic:
		t := frame.TypeID(df.Type)
		if !r.s.HasType(t) || !r.s.Subsumes(vt.Root, t) {
			return frame.NoFrame, false
		}
		f := r.g.NewAtomic(t)
		r.built[pos] = f
		r.fillSlots(pos, f, path)
		return f, true

	case serial.KindDisjunction:
		var members []frame.FrameID
		var dropped []string
		for _, m := range df.Disjuncts {
			if f, ok := r.frame(m, vt, path); ok {
				members = append(members, f)
			} else {
				dropped = append(dropped, r.doc.Frames[m].Type)
			}
		}
		if len(members) == 0 {
			return frame.NoFrame, false
		}
		for _, d := range dropped {
			r.pruneValue(path, d)
		}
		f, err := r.g.NewDisjunction(members...)
		if err != nil {
			return frame.NoFrame, false
		}
		r.built[pos] = f
		return f, true

	case serial.KindReference:
		t := frame.TypeID(df.Type)
		if !r.s.HasType(t) || !r.s.Subsumes(vt.Root, t) {
			return frame.NoFrame, false
		}
		f := r.g.NewReference(t, frame.Identity(df.Ref))
		r.built[pos] = f
		return f, true

	default:
		return frame.NoFrame, false
	}
}

func (r *regenerator) label(dv serial.Value) string {
	switch {
	case dv.Frame != nil:
		df := r.doc.Frames[*dv.Frame]
		switch df.Kind {
		case serial.KindDisjunction:
			types := make([]string, len(df.Disjuncts))
			for i, m := range df.Disjuncts {
				types[i] = r.doc.Frames[m].Type
			}
			return strings.Join(types, "|")
		case serial.KindReference:
			return df.Type + "(" + df.Ref + ")"
		default:
			return df.Type
		}
	case dv.Number != nil:
		return dv.Number.Number().String()
	case dv.String != nil:
		return strconv.Quote(*dv.String)
	default:
		return "?"
	}
}
