// Package frame provides the instance graph model for framestore.
//
// An instance is a graph of frames held in an arena (Graph) and addressed by
// FrameID handles. Handles rather than pointers keep cyclic graphs (a slot
// value pointing back at an ancestor) cheap to copy, serialize and compare.
//
// Frames come in three kinds:
//   - Atomic: a typed node carrying slots. The only kind with slot data.
//   - Disjunction: an OR-node over atomic alternatives.
//   - Reference: a leaf naming another stored instance by Identity.
//
// Example:
//
//	g := frame.NewInstance(schema, "Patient")
//	flu := g.NewAtomic("Flu")
//	_ = g.AddSlot(g.Root(), frame.SlotSpec{
//		ID:          "diagnosis",
//		Cardinality: frame.Repeatable,
//		ValueType:   frame.FrameValueType("Diagnosis"),
//	})
//	_ = g.AddValue(g.Root(), "diagnosis", frame.FrameValue{Frame: flu})
package frame

import (
	"fmt"

	"github.com/orneryd/framestore/pkg/errors"
)

// Identity is the stable external identity of a stored instance.
type Identity string

// TypeID identifies a frame type in the schema.
type TypeID string

// SlotID identifies a slot definition in the schema.
type SlotID string

// FrameID is a handle to a frame within one Graph.
type FrameID int32

// NoFrame is the zero handle returned alongside errors.
const NoFrame FrameID = -1

// Kind is the category of a frame.
type Kind uint8

const (
	Atomic Kind = iota
	Disjunction
	Reference
)

func (k Kind) String() string {
	switch k {
	case Atomic:
		return "atomic"
	case Disjunction:
		return "disjunction"
	case Reference:
		return "reference"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Cardinality says how many values a slot may hold.
type Cardinality uint8

const (
	Single Cardinality = iota
	Repeatable
)

func (c Cardinality) String() string {
	if c == Single {
		return "single"
	}
	return "repeatable"
}

// ParseCardinality is the inverse of Cardinality.String.
func ParseCardinality(s string) (Cardinality, error) {
	switch s {
	case "single", "":
		return Single, nil
	case "repeatable":
		return Repeatable, nil
	default:
		return Single, errors.Newf("unknown cardinality %q", s)
	}
}

// TypeHierarchy answers type subsumption questions.
// schema.Model is the usual implementation.
type TypeHierarchy interface {
	// Subsumes reports whether specific is the same type as general
	// or one of its specializations.
	Subsumes(general, specific TypeID) bool
}

// Sentinel errors for graph construction.
var (
	ErrCardinality     = errors.New("slot cardinality exceeded")
	ErrValueType       = errors.New("value does not conform to slot value type")
	ErrNoSuchSlot      = errors.New("no such slot")
	ErrDuplicateSlot   = errors.New("slot already present")
	ErrInvalidDisjunct = errors.New("invalid disjunction member")
	ErrNotAtomic       = errors.New("frame is not atomic")
)

func subsumes(h TypeHierarchy, general, specific TypeID) bool {
	if general == specific {
		return true
	}
	if h == nil {
		return false
	}
	return h.Subsumes(general, specific)
}
