// Package instfile reads instance and query descriptions written in YAML and
// builds frame graphs from them against a schema.
//
// Layout:
//
//	type: Patient
//	slots:
//	  diagnosis:
//	    - type: Flu
//	    - any_of:
//	        - type: Asthma
//	        - type: Bronchitis
//	  age:
//	    - number: 42
//	  weight:
//	    - number: {min: 60, max: 80}
//	  name:
//	    - string: Ann
//	  gp:
//	    - ref: doctor-7
//
// Slot specs come from the schema; a slot listed with no values is added
// empty, which in a query means "no constraint". Frame values may carry
// their own slots. A reference takes its type from the slot's frame value
// type unless one is given.
package instfile

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/regen"
)

// ErrInvalid marks a description that does not fit the schema.
var ErrInvalid = errors.New("invalid instance description")

// Description is the top-level frame of an instance or query.
type Description struct {
	Type  string             `yaml:"type"`
	Slots map[string][]Value `yaml:"slots,omitempty"`
}

// Value is one slot value. Exactly one of the frame forms (Type, AnyOf,
// Ref), Number or String is set.
type Value struct {
	Type   string             `yaml:"type,omitempty"`
	Slots  map[string][]Value `yaml:"slots,omitempty"`
	AnyOf  []Description      `yaml:"any_of,omitempty"`
	Ref    string             `yaml:"ref,omitempty"`
	Number *Number            `yaml:"number,omitempty"`
	String *string            `yaml:"string,omitempty"`
}

// Number is either a scalar (definite) or a {min, max} mapping where a
// missing end is unbounded.
type Number struct {
	frame.Number
}

// UnmarshalYAML accepts `42` and `{min: 0, max: 10}`.
func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		n.Number = frame.Definite(v)
		return nil
	}
	var r struct {
		Min *float64 `yaml:"min"`
		Max *float64 `yaml:"max"`
	}
	if err := node.Decode(&r); err != nil {
		return err
	}
	n.Number = frame.Unbounded()
	if r.Min != nil {
		n.Number.Min = *r.Min
	}
	if r.Max != nil {
		n.Number.Max = *r.Max
	}
	if !n.Number.Valid() {
		return errors.Newf("line %d: empty number range", node.Line)
	}
	return nil
}

// Load reads and builds the description in path.
func Load(path string, s regen.Schema) (*frame.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read instance file")
	}
	g, err := Parse(data, s)
	if err != nil {
		return nil, errors.Wrapf(err, "instance file %s", path)
	}
	return g, nil
}

// Parse decodes a YAML description and builds its graph.
func Parse(data []byte, s regen.Schema) (*frame.Graph, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "failed to parse instance description")
	}
	return Build(d, s)
}

// Build creates the graph described by d.
func Build(d Description, s regen.Schema) (*frame.Graph, error) {
	t := frame.TypeID(d.Type)
	if t == "" {
		return nil, errors.Wrap(ErrInvalid, "missing root type")
	}
	if !s.HasType(t) {
		return nil, errors.Wrapf(ErrInvalid, "unknown type %s", t)
	}
	b := &builder{g: frame.NewInstance(s, t), schema: s}
	if err := b.slots(b.g.Root(), t, d.Slots); err != nil {
		return nil, err
	}
	return b.g, nil
}

type builder struct {
	g      *frame.Graph
	schema regen.Schema
}

func (b *builder) slots(f frame.FrameID, t frame.TypeID, slots map[string][]Value) error {
	ids := make([]string, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec, ok := b.schema.SlotSpec(t, frame.SlotID(id))
		if !ok {
			return errors.Wrapf(ErrInvalid, "type %s has no slot %s", t, id)
		}
		if err := b.g.AddSlot(f, spec); err != nil {
			return err
		}
		for _, v := range slots[id] {
			fv, err := b.value(spec, v)
			if err != nil {
				return errors.Wrapf(err, "%s.%s", t, id)
			}
			if err := b.g.AddValue(f, spec.ID, fv); err != nil {
				return errors.Wrapf(err, "%s.%s", t, id)
			}
		}
	}
	return nil
}

func (b *builder) value(spec frame.SlotSpec, v Value) (frame.Value, error) {
	forms := 0
	for _, set := range []bool{v.Type != "" || v.Ref != "", len(v.AnyOf) > 0, v.Number != nil, v.String != nil} {
		if set {
			forms++
		}
	}
	if forms != 1 {
		return nil, errors.Wrap(ErrInvalid, "a value needs exactly one of type/ref, any_of, number or string")
	}

	switch {
	case v.Number != nil:
		return frame.NumberValue{Number: v.Number.Number}, nil
	case v.String != nil:
		return frame.StringValue(*v.String), nil
	case v.Ref != "":
		t := frame.TypeID(v.Type)
		if t == "" {
			t = spec.ValueType.Root
		}
		return frame.FrameValue{Frame: b.g.NewReference(t, frame.Identity(v.Ref))}, nil
	case len(v.AnyOf) > 0:
		members := make([]frame.FrameID, 0, len(v.AnyOf))
		for _, d := range v.AnyOf {
			f, err := b.atomic(frame.TypeID(d.Type), d.Slots)
			if err != nil {
				return nil, err
			}
			members = append(members, f)
		}
		f, err := b.g.NewDisjunction(members...)
		if err != nil {
			return nil, err
		}
		return frame.FrameValue{Frame: f}, nil
	default:
		f, err := b.atomic(frame.TypeID(v.Type), v.Slots)
		if err != nil {
			return nil, err
		}
		return frame.FrameValue{Frame: f}, nil
	}
}

func (b *builder) atomic(t frame.TypeID, slots map[string][]Value) (frame.FrameID, error) {
	if !b.schema.HasType(t) {
		return frame.NoFrame, errors.Wrapf(ErrInvalid, "unknown type %s", t)
	}
	f := b.g.NewAtomic(t)
	if err := b.slots(f, t, slots); err != nil {
		return frame.NoFrame, err
	}
	return f, nil
}
