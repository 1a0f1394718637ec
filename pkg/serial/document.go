// Package serial renders instance graphs to a storage-neutral document and
// parses them back.
//
// A Document is a flat frame table: each entry is one frame reachable from
// the root, and nested frame values refer to entries by position. Cycles in
// the graph therefore need no special treatment. Type and slot identities are
// kept as plain strings so that a document can be read after the schema that
// produced it has changed; checking it against the live schema is the job of
// package regen.
package serial

import (
	"encoding/json"
	"math"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
)

// FormatVersion is written into every document.
const FormatVersion = 1

// Frame kinds as written in documents.
const (
	KindAtomic      = "atomic"
	KindDisjunction = "disjunction"
	KindReference   = "reference"
)

// Value-type kinds as written in documents.
const (
	ValueFrame  = "frame"
	ValueNumber = "number"
	ValueString = "string"
)

// ErrMalformed marks a document that cannot be interpreted at all.
var ErrMalformed = errors.New("malformed instance document")

// Document is the serialized form of one instance graph.
type Document struct {
	Version int     `json:"version" yaml:"version"`
	Root    int     `json:"root" yaml:"root"`
	Frames  []Frame `json:"frames" yaml:"frames"`
}

// Frame is one entry of the frame table.
type Frame struct {
	Kind      string `json:"kind" yaml:"kind"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	Ref       string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Disjuncts []int  `json:"disjuncts,omitempty" yaml:"disjuncts,omitempty"`
	Slots     []Slot `json:"slots,omitempty" yaml:"slots,omitempty"`
}

// Slot is a serialized slot with the spec it had when written.
type Slot struct {
	ID          string    `json:"id" yaml:"id"`
	Cardinality string    `json:"cardinality" yaml:"cardinality"`
	ValueType   ValueType `json:"value_type" yaml:"value_type"`
	Values      []Value   `json:"values,omitempty" yaml:"values,omitempty"`
}

// ValueType is a serialized frame.ValueType.
type ValueType struct {
	Kind  string  `json:"kind" yaml:"kind"`
	Root  string  `json:"root,omitempty" yaml:"root,omitempty"`
	Range *Number `json:"range,omitempty" yaml:"range,omitempty"`
}

// Value is a serialized slot value. Exactly one field is set.
type Value struct {
	Frame  *int    `json:"frame,omitempty" yaml:"frame,omitempty"`
	Number *Number `json:"number,omitempty" yaml:"number,omitempty"`
	String *string `json:"string,omitempty" yaml:"string,omitempty"`
}

// Number is a serialized frame.Number; a missing end is unbounded.
type Number struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// NumberOf converts a frame.Number.
func NumberOf(n frame.Number) *Number {
	out := &Number{}
	if n.HasMin() {
		v := n.Min
		out.Min = &v
	}
	if n.HasMax() {
		v := n.Max
		out.Max = &v
	}
	return out
}

// Number converts back to a frame.Number.
func (n *Number) Number() frame.Number {
	out := frame.Unbounded()
	if n == nil {
		return out
	}
	if n.Min != nil {
		out.Min = *n.Min
	}
	if n.Max != nil {
		out.Max = *n.Max
	}
	return out
}

// ValueTypeOf converts a frame.ValueType.
func ValueTypeOf(vt frame.ValueType) ValueType {
	switch vt.Kind {
	case frame.FrameKind:
		return ValueType{Kind: ValueFrame, Root: string(vt.Root)}
	case frame.NumberKind:
		return ValueType{Kind: ValueNumber, Range: NumberOf(vt.Range)}
	case frame.StringKind:
		return ValueType{Kind: ValueString}
	default:
		panic(errors.AssertionFailedf("unknown value kind %v", vt.Kind))
	}
}

// ValueType converts back to a frame.ValueType.
func (vt ValueType) ValueType() (frame.ValueType, error) {
	switch vt.Kind {
	case ValueFrame:
		return frame.FrameValueType(frame.TypeID(vt.Root)), nil
	case ValueNumber:
		return frame.NumberValueType(vt.Range.Number()), nil
	case ValueString:
		return frame.StringValueType(), nil
	default:
		return frame.ValueType{}, errors.Wrapf(ErrMalformed, "unknown value type kind %q", vt.Kind)
	}
}

// Render flattens the frames reachable from g's root into a Document.
// The root is always entry 0.
func Render(g *frame.Graph) *Document {
	pos := make(map[frame.FrameID]int)
	var order []frame.FrameID
	g.Walk(func(f frame.FrameID) {
		pos[f] = len(order)
		order = append(order, f)
	})

	doc := &Document{Version: FormatVersion, Root: 0, Frames: make([]Frame, len(order))}
	for i, f := range order {
		switch g.Kind(f) {
		case frame.Atomic:
			df := Frame{Kind: KindAtomic, Type: string(g.Type(f))}
			for _, s := range g.Slots(f) {
				ds := Slot{
					ID:          string(s.Spec.ID),
					Cardinality: s.Spec.Cardinality.String(),
					ValueType:   ValueTypeOf(s.Spec.ValueType),
				}
				for _, v := range s.Values {
					ds.Values = append(ds.Values, renderValue(v, pos))
				}
				df.Slots = append(df.Slots, ds)
			}
			doc.Frames[i] = df
		case frame.Disjunction:
			df := Frame{Kind: KindDisjunction}
			for _, d := range g.Disjuncts(f) {
				df.Disjuncts = append(df.Disjuncts, pos[d])
			}
			doc.Frames[i] = df
		case frame.Reference:
			doc.Frames[i] = Frame{Kind: KindReference, Type: string(g.Type(f)), Ref: string(g.Target(f))}
		default:
			panic(errors.AssertionFailedf("unknown frame kind %v", g.Kind(f)))
		}
	}
	return doc
}

func renderValue(v frame.Value, pos map[frame.FrameID]int) Value {
	switch val := v.(type) {
	case frame.FrameValue:
		p := pos[val.Frame]
		return Value{Frame: &p}
	case frame.NumberValue:
		return Value{Number: NumberOf(val.Number)}
	case frame.StringValue:
		s := string(val)
		return Value{String: &s}
	default:
		panic(errors.AssertionFailedf("unknown value %T", v))
	}
}

// Encode renders g and marshals the document.
func Encode(g *frame.Graph) ([]byte, error) {
	return Render(g).Marshal()
}

// Marshal encodes d.
func (d *Document) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode instance")
	}
	return data, nil
}

// RetargetReferences points every reference entry naming from at to and
// returns how many were changed. Nothing else in d is touched, so slots and
// values the live schema no longer accepts survive the rewrite.
func (d *Document) RetargetReferences(from, to frame.Identity) int {
	n := 0
	for i := range d.Frames {
		if d.Frames[i].Kind == KindReference && d.Frames[i].Ref == string(from) {
			d.Frames[i].Ref = string(to)
			n++
		}
	}
	return n
}

// Decode unmarshals a document and checks that it is structurally sound:
// positions in range, an atomic root, known kinds and exactly one field per
// value. It does not consult any schema.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.WithSecondaryError(ErrMalformed, err), "failed to decode instance")
	}
	if err := doc.Check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Check validates the structure of d.
func (d *Document) Check() error {
	if d.Version != FormatVersion {
		return errors.Wrapf(ErrMalformed, "unsupported version %d", d.Version)
	}
	inRange := func(i int) bool { return i >= 0 && i < len(d.Frames) }
	if !inRange(d.Root) {
		return errors.Wrapf(ErrMalformed, "root %d out of range", d.Root)
	}
	if d.Frames[d.Root].Kind != KindAtomic {
		return errors.Wrapf(ErrMalformed, "root is %s, not atomic", d.Frames[d.Root].Kind)
	}
	for i, f := range d.Frames {
		switch f.Kind {
		case KindAtomic:
			for _, s := range f.Slots {
				if _, err := s.ValueType.ValueType(); err != nil {
					return errors.Wrapf(err, "frame %d slot %s", i, s.ID)
				}
				for _, v := range s.Values {
					if err := checkValue(v, inRange); err != nil {
						return errors.Wrapf(err, "frame %d slot %s", i, s.ID)
					}
				}
			}
		case KindDisjunction:
			if len(f.Disjuncts) == 0 {
				return errors.Wrapf(ErrMalformed, "frame %d: empty disjunction", i)
			}
			for _, m := range f.Disjuncts {
				if !inRange(m) || d.Frames[m].Kind != KindAtomic {
					return errors.Wrapf(ErrMalformed, "frame %d: bad disjunct %d", i, m)
				}
			}
		case KindReference:
			if f.Ref == "" {
				return errors.Wrapf(ErrMalformed, "frame %d: reference without target", i)
			}
		default:
			return errors.Wrapf(ErrMalformed, "frame %d: unknown kind %q", i, f.Kind)
		}
	}
	return nil
}

func checkValue(v Value, inRange func(int) bool) error {
	set := 0
	if v.Frame != nil {
		set++
		if !inRange(*v.Frame) {
			return errors.Wrapf(ErrMalformed, "frame value %d out of range", *v.Frame)
		}
	}
	if v.Number != nil {
		set++
		n := v.Number.Number()
		if math.IsNaN(n.Min) || math.IsNaN(n.Max) {
			return errors.Wrap(ErrMalformed, "NaN number")
		}
	}
	if v.String != nil {
		set++
	}
	if set != 1 {
		return errors.Wrap(ErrMalformed, "value must have exactly one of frame, number or string")
	}
	return nil
}
