package frame

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind is the category of a slot value or value type.
type ValueKind uint8

const (
	FrameKind ValueKind = iota
	NumberKind
	StringKind
)

func (k ValueKind) String() string {
	switch k {
	case FrameKind:
		return "frame"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	default:
		return fmt.Sprintf("value-kind(%d)", uint8(k))
	}
}

// Value is a slot value. The set of implementations is closed:
// FrameValue, NumberValue and StringValue.
type Value interface {
	Kind() ValueKind
	sealed()
}

// FrameValue is a nested frame of the same graph.
type FrameValue struct {
	Frame FrameID
}

// NumberValue is a definite or range-bounded number.
type NumberValue struct {
	Number Number
}

// StringValue is an atomic string or tag.
type StringValue string

func (FrameValue) Kind() ValueKind  { return FrameKind }
func (NumberValue) Kind() ValueKind { return NumberKind }
func (StringValue) Kind() ValueKind { return StringKind }

func (FrameValue) sealed()  {}
func (NumberValue) sealed() {}
func (StringValue) sealed() {}

// Number is a closed interval [Min, Max]. Either end may be infinite.
// A number with Min == Max is definite; anything else is indefinite.
type Number struct {
	Min float64
	Max float64
}

// Definite returns the point number v.
func Definite(v float64) Number { return Number{Min: v, Max: v} }

// Range returns the number bounded by min and max.
func Range(min, max float64) Number { return Number{Min: min, Max: max} }

// AtLeast returns the number bounded below by min.
func AtLeast(min float64) Number { return Number{Min: min, Max: math.Inf(1)} }

// AtMost returns the number bounded above by max.
func AtMost(max float64) Number { return Number{Min: math.Inf(-1), Max: max} }

// Unbounded returns the number with no bounds.
func Unbounded() Number { return Number{Min: math.Inf(-1), Max: math.Inf(1)} }

// Definite reports whether n is a single point.
func (n Number) Definite() bool { return n.Min == n.Max }

// Valid reports whether the range is non-empty and not NaN. Infinity is
// only allowed as the unbounded end: +Inf cannot be a lower bound and -Inf
// cannot be an upper one.
func (n Number) Valid() bool {
	if math.IsNaN(n.Min) || math.IsNaN(n.Max) {
		return false
	}
	if math.IsInf(n.Min, 1) || math.IsInf(n.Max, -1) {
		return false
	}
	return n.Min <= n.Max
}

// HasMin reports whether n is bounded below.
func (n Number) HasMin() bool { return !math.IsInf(n.Min, -1) }

// HasMax reports whether n is bounded above.
func (n Number) HasMax() bool { return !math.IsInf(n.Max, 1) }

// Contains reports whether other lies inside n. This is numeric
// subsumption: the wider range is the more general one.
func (n Number) Contains(other Number) bool {
	return n.Min <= other.Min && other.Max <= n.Max
}

func (n Number) String() string {
	if n.Definite() {
		return strconv.FormatFloat(n.Min, 'g', -1, 64)
	}
	lo, hi := "*", "*"
	if n.HasMin() {
		lo = strconv.FormatFloat(n.Min, 'g', -1, 64)
	}
	if n.HasMax() {
		hi = strconv.FormatFloat(n.Max, 'g', -1, 64)
	}
	return "[" + lo + ".." + hi + "]"
}

// ValueType constrains the values of a slot.
type ValueType struct {
	Kind ValueKind
	// Root is the most general frame type allowed (FrameKind only).
	Root TypeID
	// Range bounds allowed numbers (NumberKind only).
	Range Number
}

// FrameValueType allows frames whose type is root or a specialization of it.
func FrameValueType(root TypeID) ValueType {
	return ValueType{Kind: FrameKind, Root: root}
}

// NumberValueType allows numbers inside r.
func NumberValueType(r Number) ValueType {
	return ValueType{Kind: NumberKind, Range: r}
}

// StringValueType allows any string.
func StringValueType() ValueType {
	return ValueType{Kind: StringKind}
}

func (vt ValueType) String() string {
	switch vt.Kind {
	case FrameKind:
		return "frame<" + string(vt.Root) + ">"
	case NumberKind:
		return "number" + vt.Range.String()
	case StringKind:
		return "string"
	default:
		return vt.Kind.String()
	}
}

// SlotSpec is the type-level definition of a slot.
type SlotSpec struct {
	ID          SlotID
	Cardinality Cardinality
	ValueType   ValueType
}

// Slot is a slot attached to an atomic frame.
type Slot struct {
	Spec   SlotSpec
	Values []Value
}

// ID returns the slot identity.
func (s *Slot) ID() SlotID { return s.Spec.ID }

// Empty reports whether the slot holds no values.
func (s *Slot) Empty() bool { return len(s.Values) == 0 }
