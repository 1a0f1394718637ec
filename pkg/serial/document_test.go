package serial

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
)

func sample(t *testing.T) *frame.Graph {
	g := frame.NewInstance(nil, "Patient")
	root := g.Root()
	require.NoError(t, g.AddSlot(root, frame.SlotSpec{
		ID: "diagnosis", Cardinality: frame.Repeatable, ValueType: frame.FrameValueType("Diagnosis"),
	}))
	require.NoError(t, g.AddSlot(root, frame.SlotSpec{
		ID: "age", Cardinality: frame.Single, ValueType: frame.NumberValueType(frame.AtLeast(0)),
	}))
	require.NoError(t, g.AddSlot(root, frame.SlotSpec{
		ID: "name", Cardinality: frame.Single, ValueType: frame.StringValueType(),
	}))
	require.NoError(t, g.AddSlot(root, frame.SlotSpec{
		ID: "contact", Cardinality: frame.Repeatable, ValueType: frame.FrameValueType("Patient"),
	}))

	d, err := g.NewDisjunction(g.NewAtomic("Diagnosis"), g.NewAtomic("Diagnosis"))
	require.NoError(t, err)
	require.NoError(t, g.AddValue(root, "diagnosis", frame.FrameValue{Frame: d}))
	require.NoError(t, g.AddValue(root, "age", frame.NumberValue{Number: frame.Range(30, 40)}))
	require.NoError(t, g.AddValue(root, "name", frame.StringValue("Ann")))
	require.NoError(t, g.AddValue(root, "contact", frame.FrameValue{Frame: g.NewReference("Patient", "p2")}))
	require.NoError(t, g.AddValue(root, "contact", frame.FrameValue{Frame: root}))
	return g
}

func TestRender(t *testing.T) {
	doc := Render(sample(t))

	require.NoError(t, doc.Check())
	assert.Equal(t, 0, doc.Root)
	assert.Equal(t, KindAtomic, doc.Frames[0].Kind)
	assert.Equal(t, "Patient", doc.Frames[0].Type)
	require.Len(t, doc.Frames[0].Slots, 4)

	age := doc.Frames[0].Slots[1]
	assert.Equal(t, ValueNumber, age.ValueType.Kind)
	require.NotNil(t, age.ValueType.Range.Min)
	assert.Nil(t, age.ValueType.Range.Max, "infinite end is omitted")

	contact := doc.Frames[0].Slots[3]
	require.Len(t, contact.Values, 2)
	ref := doc.Frames[*contact.Values[0].Frame]
	assert.Equal(t, KindReference, ref.Kind)
	assert.Equal(t, "p2", ref.Ref)
	assert.Equal(t, 0, *contact.Values[1].Frame, "cycle back to the root")
}

func TestEncodeDecode(t *testing.T) {
	g := sample(t)
	data, err := Encode(g)
	require.NoError(t, err)

	doc, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Render(g), doc)

	n := doc.Frames[0].Slots[1].Values[0].Number.Number()
	assert.Equal(t, frame.Range(30, 40), n)
}

func TestDecode_Malformed(t *testing.T) {
	valid := Render(sample(t))

	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{"wrong version", func(d *Document) { d.Version = 99 }},
		{"root out of range", func(d *Document) { d.Root = len(d.Frames) }},
		{"reference root", func(d *Document) {
			d.Frames = append(d.Frames, Frame{Kind: KindReference, Type: "Patient", Ref: "x"})
			d.Root = len(d.Frames) - 1
		}},
		{"unknown kind", func(d *Document) { d.Frames[1].Kind = "conjunction" }},
		{"empty disjunction", func(d *Document) {
			d.Frames = append(d.Frames, Frame{Kind: KindDisjunction})
		}},
		{"reference without target", func(d *Document) {
			d.Frames = append(d.Frames, Frame{Kind: KindReference, Type: "Patient"})
		}},
		{"dangling frame value", func(d *Document) {
			p := 1000
			d.Frames[0].Slots[0].Values[0].Frame = &p
		}},
		{"value with two fields", func(d *Document) {
			s := "x"
			d.Frames[0].Slots[0].Values[0].String = &s
		}},
		{"unknown value type", func(d *Document) { d.Frames[0].Slots[2].ValueType.Kind = "blob" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(valid)
			require.NoError(t, err)
			var doc Document
			require.NoError(t, json.Unmarshal(data, &doc))
			tt.mutate(&doc)

			data, err = json.Marshal(&doc)
			require.NoError(t, err)
			_, err = Decode(data)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}

	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte("\x00\x01garbage"))
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}
