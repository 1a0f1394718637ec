package schema

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
)

// YAML layout of a schema file:
//
//	frames:
//	  - id: Patient
//	    slots:
//	      - id: diagnosis
//	        cardinality: repeatable
//	        frame: Diagnosis
//	      - id: age
//	        number: {min: 0, max: 150}
//	      - id: name
//	        string: true
//	  - id: Flu
//	    supers: [RespiratoryCondition]
type yamlSchema struct {
	Frames []yamlFrame `yaml:"frames"`
}

type yamlFrame struct {
	ID     string     `yaml:"id"`
	Supers []string   `yaml:"supers,omitempty"`
	Slots  []yamlSlot `yaml:"slots,omitempty"`
}

type yamlSlot struct {
	ID          string      `yaml:"id"`
	Cardinality string      `yaml:"cardinality,omitempty"`
	Frame       string      `yaml:"frame,omitempty"`
	Number      *yamlNumber `yaml:"number,omitempty"`
	String      bool        `yaml:"string,omitempty"`
}

type yamlNumber struct {
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
}

// Load reads a YAML schema file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema file")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "schema file %s", path)
	}
	return m, nil
}

// Parse decodes a YAML schema document.
func Parse(data []byte) (*Model, error) {
	var doc yamlSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema")
	}

	m := NewModel()
	for _, yf := range doc.Frames {
		if yf.ID == "" {
			return nil, errors.New("frame without id")
		}
		ft := FrameType{ID: frame.TypeID(yf.ID)}
		for _, s := range yf.Supers {
			ft.Supers = append(ft.Supers, frame.TypeID(s))
		}
		for _, ys := range yf.Slots {
			spec, err := ys.spec()
			if err != nil {
				return nil, errors.Wrapf(err, "frame %s", yf.ID)
			}
			ft.Slots = append(ft.Slots, spec)
		}
		m.frames[ft.ID] = ft
	}
	return m, nil
}

func (ys yamlSlot) spec() (frame.SlotSpec, error) {
	if ys.ID == "" {
		return frame.SlotSpec{}, errors.New("slot without id")
	}
	card, err := frame.ParseCardinality(ys.Cardinality)
	if err != nil {
		return frame.SlotSpec{}, errors.Wrapf(err, "slot %s", ys.ID)
	}
	spec := frame.SlotSpec{ID: frame.SlotID(ys.ID), Cardinality: card}

	kinds := 0
	if ys.Frame != "" {
		kinds++
		spec.ValueType = frame.FrameValueType(frame.TypeID(ys.Frame))
	}
	if ys.Number != nil {
		kinds++
		r := frame.Unbounded()
		if ys.Number.Min != nil {
			r.Min = *ys.Number.Min
		}
		if ys.Number.Max != nil {
			r.Max = *ys.Number.Max
		}
		if !r.Valid() {
			return frame.SlotSpec{}, errors.Newf("slot %s: empty number range", ys.ID)
		}
		spec.ValueType = frame.NumberValueType(r)
	}
	if ys.String {
		kinds++
		spec.ValueType = frame.StringValueType()
	}
	if kinds != 1 {
		return frame.SlotSpec{}, errors.Newf("slot %s: exactly one of frame, number or string is required", ys.ID)
	}
	return spec, nil
}

// Marshal renders m in the YAML layout read by Parse.
func Marshal(m *Model) ([]byte, error) {
	var doc yamlSchema
	for _, id := range m.TypeIDs() {
		ft, _ := m.Frame(id)
		yf := yamlFrame{ID: string(ft.ID)}
		for _, s := range ft.Supers {
			yf.Supers = append(yf.Supers, string(s))
		}
		for _, s := range ft.Slots {
			ys := yamlSlot{ID: string(s.ID), Cardinality: s.Cardinality.String()}
			switch s.ValueType.Kind {
			case frame.FrameKind:
				ys.Frame = string(s.ValueType.Root)
			case frame.NumberKind:
				ys.Number = &yamlNumber{}
				if s.ValueType.Range.HasMin() {
					v := s.ValueType.Range.Min
					ys.Number.Min = &v
				}
				if s.ValueType.Range.HasMax() {
					v := s.ValueType.Range.Max
					ys.Number.Max = &v
				}
			case frame.StringKind:
				ys.String = true
			default:
				return nil, errors.AssertionFailedf("unknown value kind %v", s.ValueType.Kind)
			}
			yf.Slots = append(yf.Slots, ys)
		}
		doc.Frames = append(doc.Frames, yf)
	}
	return yaml.Marshal(&doc)
}
