package instfile

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/schema"
	"github.com/orneryd/framestore/pkg/subsume"
)

const testSchema = `
frames:
  - id: Diagnosis
  - id: Flu
    supers: [Diagnosis]
  - id: Asthma
    supers: [Diagnosis]
    slots:
      - id: severity
        number: {min: 0, max: 10}
  - id: Doctor
  - id: Patient
    slots:
      - id: diagnosis
        cardinality: repeatable
        frame: Diagnosis
      - id: age
        number: {min: 0, max: 150}
      - id: name
        string: true
      - id: gp
        frame: Doctor
`

const annYAML = `
type: Patient
slots:
  diagnosis:
    - type: Flu
    - any_of:
        - type: Flu
        - type: Asthma
          slots:
            severity:
              - number: 3
  age:
    - number: {min: 40}
  name:
    - string: Ann
  gp:
    - ref: doctor-7
`

func testModel(t *testing.T) *schema.Model {
	m, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return m
}

func TestParse(t *testing.T) {
	m := testModel(t)
	g, err := Parse([]byte(annYAML), m)
	require.NoError(t, err)

	root := g.Root()
	assert.Equal(t, frame.TypeID("Patient"), g.RootType())

	diagnoses := g.Slot(root, "diagnosis").Values
	require.Len(t, diagnoses, 2)
	assert.Equal(t, frame.TypeID("Flu"), g.Type(diagnoses[0].(frame.FrameValue).Frame))

	disj := diagnoses[1].(frame.FrameValue).Frame
	require.Equal(t, frame.Disjunction, g.Kind(disj))
	members := g.Disjuncts(disj)
	require.Len(t, members, 2)
	asthma := g.Slot(members[1], "severity")
	require.NotNil(t, asthma)
	assert.Equal(t, frame.Definite(3), asthma.Values[0].(frame.NumberValue).Number)

	age := g.Slot(root, "age").Values[0].(frame.NumberValue).Number
	assert.Equal(t, 40.0, age.Min)
	assert.True(t, math.IsInf(age.Max, 1))

	assert.Equal(t, frame.StringValue("Ann"), g.Slot(root, "name").Values[0])

	gp := g.Slot(root, "gp").Values[0].(frame.FrameValue).Frame
	assert.Equal(t, frame.Reference, g.Kind(gp))
	assert.Equal(t, frame.TypeID("Doctor"), g.Type(gp))
	assert.Equal(t, frame.Identity("doctor-7"), g.Target(gp))
}

func TestParse_QueryWithEmptySlot(t *testing.T) {
	m := testModel(t)
	query, err := Parse([]byte("type: Patient\nslots:\n  diagnosis: []\n  name: []\n"), m)
	require.NoError(t, err)
	assert.Len(t, query.Slots(query.Root()), 2)

	ann, err := Parse([]byte(annYAML), m)
	require.NoError(t, err)
	assert.True(t, subsume.Tester{Types: m}.Match(query, ann))
}

func TestParse_Invalid(t *testing.T) {
	m := testModel(t)

	tests := []struct {
		name string
		yaml string
	}{
		{"missing type", "slots: {}\n"},
		{"unknown type", "type: Ghost\n"},
		{"unknown slot", "type: Patient\nslots:\n  shoe: []\n"},
		{"unknown value type", "type: Patient\nslots:\n  diagnosis:\n    - type: Ghost\n"},
		{"two forms", "type: Patient\nslots:\n  name:\n    - string: a\n      number: 1\n"},
		{"no form", "type: Patient\nslots:\n  name:\n    - {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}

	t.Run("graph invariants", func(t *testing.T) {
		_, err := Parse([]byte("type: Patient\nslots:\n  age:\n    - number: 200\n"), m)
		assert.True(t, errors.Is(err, frame.ErrValueType))

		_, err = Parse([]byte("type: Patient\nslots:\n  name:\n    - string: a\n    - string: b\n"), m)
		assert.True(t, errors.Is(err, frame.ErrCardinality))
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Parse([]byte("type: [\n"), m)
		assert.Error(t, err)
		_, err = Parse([]byte("type: Patient\nslots:\n  age:\n    - number: {min: 5, max: 1}\n"), m)
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	m := testModel(t)
	path := filepath.Join(t.TempDir(), "ann.yaml")
	require.NoError(t, os.WriteFile(path, []byte(annYAML), 0o644))

	g, err := Load(path, m)
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"doctor-7"}, g.ReferenceIDs())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), m)
	assert.Error(t, err)
}
