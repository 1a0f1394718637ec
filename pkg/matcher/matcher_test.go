package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/schema"
)

const testSchema = `
frames:
  - id: Diagnosis
  - id: RespiratoryCondition
    supers: [Diagnosis]
  - id: Flu
    supers: [RespiratoryCondition]
  - id: Fracture
    supers: [Diagnosis]
  - id: Patient
    slots:
      - id: diagnosis
        cardinality: repeatable
        frame: Diagnosis
  - id: Outpatient
    supers: [Patient]
  - id: Doctor
`

func testModel(t *testing.T) *schema.Model {
	m, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return m
}

func patient(t *testing.T, m *schema.Model, rootType, diagnosis frame.TypeID) *frame.Graph {
	g := frame.NewInstance(m, rootType)
	spec, ok := m.SlotSpec(rootType, "diagnosis")
	require.True(t, ok)
	require.NoError(t, g.AddSlot(g.Root(), spec))
	if diagnosis != "" {
		require.NoError(t, g.AddValue(g.Root(), "diagnosis", frame.FrameValue{Frame: g.NewAtomic(diagnosis)}))
	}
	return g
}

// claimMatcher is a Matcher stub claiming a fixed set of types.
type claimMatcher struct {
	Direct
	claims map[frame.TypeID]bool
}

func newClaimMatcher(types ...frame.TypeID) *claimMatcher {
	c := &claimMatcher{Direct: *NewDirect(nil), claims: make(map[frame.TypeID]bool)}
	for _, t := range types {
		c.claims[t] = true
	}
	return c
}

func (c *claimMatcher) HandlesType(t frame.TypeID) bool { return c.claims[t] }
func (c *claimMatcher) RebuildOnStartup() bool          { return false }

func TestRegistry_For(t *testing.T) {
	def := NewDirect(nil)
	first := newClaimMatcher("Patient")
	second := newClaimMatcher("Patient", "Doctor")
	r := NewRegistry(def, first, second)

	assert.Same(t, first, r.For("Patient"), "first claiming matcher wins")
	assert.Same(t, second, r.For("Doctor"))
	assert.Same(t, def, r.For("Flu"), "unclaimed types go to the default")
	assert.Same(t, def, r.Default())
	assert.Len(t, r.Registered(), 2)
	assert.Len(t, r.All(), 3)
}

func TestDirect_Match(t *testing.T) {
	m := testModel(t)
	d := NewDirect(m)

	require.NoError(t, d.Add(patient(t, m, "Patient", "Flu"), "i1"))
	require.NoError(t, d.Add(patient(t, m, "Outpatient", "Flu"), "i2"))
	require.NoError(t, d.Add(patient(t, m, "Patient", "Fracture"), "i3"))
	require.NoError(t, d.Add(frame.NewInstance(m, "Doctor"), "d1"))
	assert.Equal(t, 4, d.Len())

	query := patient(t, m, "Patient", "RespiratoryCondition")
	ids, err := d.Match(query)
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"i1", "i2"}, ids)

	outQuery := patient(t, m, "Outpatient", "")
	ids, err = d.Match(outQuery)
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"i2"}, ids, "root type filter excludes plain patients")

	ok, err := d.Matches(query, patient(t, m, "Patient", "Flu"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirect_StoresFrozenCopies(t *testing.T) {
	m := testModel(t)
	d := NewDirect(m)
	g := patient(t, m, "Patient", "Flu")
	require.NoError(t, d.Add(g, "i1"))

	require.NoError(t, g.ClearValues(g.Root(), "diagnosis"))

	stored, ok := d.Get("i1")
	require.True(t, ok)
	assert.True(t, stored.Frozen())
	assert.Len(t, stored.Slot(stored.Root(), "diagnosis").Values, 1, "later edits to the caller's graph are not seen")
}

func TestDirect_AddReplacesAndRemove(t *testing.T) {
	m := testModel(t)
	d := NewDirect(m)
	query := patient(t, m, "Patient", "RespiratoryCondition")

	require.NoError(t, d.Add(patient(t, m, "Patient", "Flu"), "i1"))
	require.NoError(t, d.Add(patient(t, m, "Patient", "Fracture"), "i1"))
	assert.Equal(t, 1, d.Len())
	ids, err := d.Match(query)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, d.Add(patient(t, m, "Patient", "Flu"), "i2"))
	require.NoError(t, d.Remove("i2"))
	require.NoError(t, d.Remove("never-added"))
	ids, err = d.Match(query)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, ok := d.Get("i2")
	assert.False(t, ok)
}

func TestDirect_Rename(t *testing.T) {
	m := testModel(t)
	d := NewDirect(m)
	require.NoError(t, d.Add(patient(t, m, "Patient", "Flu"), "i1"))
	require.NoError(t, d.Add(patient(t, m, "Patient", "Flu"), "i2"))

	var _ Renamer = d
	require.NoError(t, d.Rename("i1", "i9"))
	require.NoError(t, d.Rename("missing", "x"))

	ids, err := d.Match(patient(t, m, "Patient", "RespiratoryCondition"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"i9", "i2"}, ids, "renamed entry keeps its position")
	_, ok := d.Get("i1")
	assert.False(t, ok)
}
