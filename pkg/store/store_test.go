package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/matcher"
	"github.com/orneryd/framestore/pkg/matcher/sqlindex"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/schema"
	"github.com/orneryd/framestore/pkg/storage"
)

const clinicSchema = `
frames:
  - id: Diagnosis
  - id: RespiratoryCondition
    supers: [Diagnosis]
  - id: Flu
    supers: [RespiratoryCondition]
  - id: Fracture
    supers: [Diagnosis]
  - id: Doctor
    slots:
      - id: name
        string: true
  - id: Patient
    slots:
      - id: diagnosis
        cardinality: repeatable
        frame: Diagnosis
      - id: contact
        cardinality: repeatable
        frame: Patient
`

func testModel(t *testing.T) *schema.Model {
	m, err := schema.Parse([]byte(clinicSchema))
	require.NoError(t, err)
	return m
}

// createTestStore builds an in-memory store over m.
func createTestStore(t *testing.T, m *schema.Model, matchers ...matcher.Matcher) *Store {
	b := NewBuilder(Options{Schema: m, InMemory: true})
	for _, mt := range matchers {
		b.AddMatcher(mt)
	}
	s, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openDiskStore(t *testing.T, m *schema.Model, dir string, matchers ...matcher.Matcher) *Store {
	b := NewBuilder(Options{Schema: m, DataDir: dir})
	for _, mt := range matchers {
		b.AddMatcher(mt)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func patient(t *testing.T, m *schema.Model, diagnosis frame.TypeID, contacts ...frame.Identity) *frame.Graph {
	g := frame.NewInstance(m, "Patient")
	for _, id := range []frame.SlotID{"diagnosis", "contact"} {
		spec, ok := m.SlotSpec("Patient", id)
		require.True(t, ok)
		require.NoError(t, g.AddSlot(g.Root(), spec))
	}
	if diagnosis != "" {
		require.NoError(t, g.AddValue(g.Root(), "diagnosis", frame.FrameValue{Frame: g.NewAtomic(diagnosis)}))
	}
	for _, c := range contacts {
		require.NoError(t, g.AddValue(g.Root(), "contact", frame.FrameValue{Frame: g.NewReference("Patient", c)}))
	}
	return g
}

func doctor(t *testing.T, m *schema.Model, name string) *frame.Graph {
	g := frame.NewInstance(m, "Doctor")
	spec, ok := m.SlotSpec("Doctor", "name")
	require.True(t, ok)
	require.NoError(t, g.AddSlot(g.Root(), spec))
	require.NoError(t, g.AddValue(g.Root(), "name", frame.StringValue(name)))
	return g
}

// recordingMatcher claims a fixed set of types and counts the instances it
// is handed.
type recordingMatcher struct {
	*matcher.Direct
	types   map[frame.TypeID]bool
	rebuild bool
	adds    int
}

func newRecordingMatcher(m *schema.Model, rebuild bool, types ...frame.TypeID) *recordingMatcher {
	r := &recordingMatcher{Direct: matcher.NewDirect(m), types: make(map[frame.TypeID]bool), rebuild: rebuild}
	for _, t := range types {
		r.types[t] = true
	}
	return r
}

func (r *recordingMatcher) HandlesType(t frame.TypeID) bool { return r.types[t] }
func (r *recordingMatcher) RebuildOnStartup() bool          { return r.rebuild }

func (r *recordingMatcher) Add(instance *frame.Graph, id frame.Identity) error {
	r.adds++
	return r.Direct.Add(instance, id)
}

func TestStore_MatchScenario(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Flu"), "I1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Fracture"), "I2")
	require.NoError(t, err)

	query := patient(t, m, "RespiratoryCondition")
	ids, err := s.Match(query)
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"I1"}, ids)

	t.Run("schema drift prunes and excludes", func(t *testing.T) {
		m.RemoveFrame("Flu")
		report, err := s.Reload()
		require.NoError(t, err)

		assert.Equal(t, []frame.Identity{"I1"}, report.PartiallyValid())
		entry, ok := report.Entry("I1")
		require.True(t, ok)
		require.Len(t, entry.Pruned, 1)
		assert.Equal(t, []string{"diagnosis"}, entry.Pruned[0].Components())

		ids, err := s.Match(query)
		require.NoError(t, err)
		assert.Empty(t, ids)

		res, err := s.Get("I1")
		require.NoError(t, err)
		assert.Equal(t, regen.PartiallyValid, res.Status)
		assert.Same(t, report, s.RegenReport())
	})
}

func TestStore_AddReturnsPrevious(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	previous, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	assert.Nil(t, previous)

	previous, err = s.Add(patient(t, m, "Fracture"), "p1")
	require.NoError(t, err)
	require.NotNil(t, previous)
	values := previous.Slot(previous.Root(), "diagnosis").Values
	require.Len(t, values, 1)
	assert.Equal(t, frame.TypeID("Flu"), previous.Type(values[0].(frame.FrameValue).Frame))

	assert.Equal(t, []frame.Identity{"p1"}, s.AllIdentities())
	assert.Equal(t, 1, s.Len())

	_, err = s.Add(patient(t, m, "Flu"), "")
	assert.True(t, errors.Is(err, errors.ErrInvalidData))
}

// createLimitedStore builds an in-memory store that rejects records above
// a small size, so oversized instances fail to write.
func createLimitedStore(t *testing.T, m *schema.Model) *Store {
	s, err := NewBuilder(Options{Schema: m, InMemory: true, MaxRecordSize: 2048}).Build()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// oversizedPatient has enough contacts to exceed createLimitedStore's limit.
func oversizedPatient(t *testing.T, m *schema.Model) *frame.Graph {
	contacts := make([]frame.Identity, 200)
	for i := range contacts {
		contacts[i] = frame.Identity(fmt.Sprintf("contact-%03d", i))
	}
	return patient(t, m, "Fracture", contacts...)
}

func TestStore_AddReplacesReferences(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)
	before, _ := s.indexes.Get("p1")

	_, err = s.Add(patient(t, m, "Fracture", "p3"), "p1")
	require.NoError(t, err)
	after, _ := s.indexes.Get("p1")
	assert.Equal(t, before, after, "replacement reuses the index")

	assert.Empty(t, s.Referencers("p2"))
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p3"))
	assert.Equal(t, []frame.Identity{"p3"}, s.References("p1"))
}

func TestStore_FailedReplaceKeepsPrevious(t *testing.T) {
	m := testModel(t)
	s := createLimitedStore(t, m)

	_, err := s.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)

	previous, err := s.Add(oversizedPatient(t, m), "p1")
	assert.ErrorIs(t, err, storage.ErrRecordTooLarge)
	assert.Nil(t, previous)

	assert.True(t, s.Contains("p1"))
	assert.Equal(t, []frame.Identity{"p1"}, s.AllIdentities())
	assert.Equal(t, []frame.Identity{"p2"}, s.References("p1"))
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p2"))

	res, err := s.Get("p1")
	require.NoError(t, err)
	require.Equal(t, regen.FullyValid, res.Status)
	values := res.Root.Slot(res.Root.Root(), "diagnosis").Values
	require.Len(t, values, 1)
	assert.Equal(t, frame.TypeID("Flu"), res.Root.Type(values[0].(frame.FrameValue).Frame))

	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p1"}, ids)

	t.Run("new identity", func(t *testing.T) {
		_, err := s.Add(oversizedPatient(t, m), "p5")
		assert.ErrorIs(t, err, storage.ErrRecordTooLarge)
		assert.False(t, s.Contains("p5"))
		assert.Equal(t, 1, s.Len())
	})
}

func TestStore_FailedUpdateKeepsMatcherEntry(t *testing.T) {
	m := testModel(t)
	s := createLimitedStore(t, m)

	_, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)

	err = s.Update(oversizedPatient(t, m), "p1")
	assert.ErrorIs(t, err, storage.ErrRecordTooLarge)

	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p1"}, ids)
	assert.Empty(t, s.References("p1"))
}

func TestStore_AddStoresFreeCopy(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	g := patient(t, m, "")
	_, err := s.Add(g, "p1")
	require.NoError(t, err)

	require.NoError(t, g.AddValue(g.Root(), "diagnosis", frame.FrameValue{Frame: g.NewAtomic("Flu")}))
	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Empty(t, ids, "later edits to the caller's graph are not stored")
}

func TestStore_Update(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Fracture"), "p1")
	require.NoError(t, err)
	before, _ := s.indexes.Get("p1")

	require.NoError(t, s.Update(patient(t, m, "Flu", "p2"), "p1"))
	after, _ := s.indexes.Get("p1")
	assert.Equal(t, before, after, "update keeps the index")
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p2"))

	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p1"}, ids)

	err = s.Update(patient(t, m, "Flu"), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveAndIdentityReuse(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Flu", "p9"), "a")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Fracture"), "b")
	require.NoError(t, err)
	freed, _ := s.indexes.Get("a")

	require.NoError(t, s.Remove("a"))
	assert.False(t, s.Contains("a"))
	assert.ErrorIs(t, s.Remove("a"), ErrNotFound)
	assert.Empty(t, s.Referencers("p9"))

	_, err = s.Add(patient(t, m, ""), "c")
	require.NoError(t, err)
	index, _ := s.indexes.Get("c")
	assert.Equal(t, freed, index, "lowest free index is reused")

	res, err := s.Get("c")
	require.NoError(t, err)
	require.Equal(t, regen.FullyValid, res.Status)
	assert.Empty(t, res.Root.ReferenceIDs())
	assert.Empty(t, res.Root.Slot(res.Root.Root(), "diagnosis").Values)

	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Type("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveKeepsInboundReferences(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "", "p2"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, ""), "p2")
	require.NoError(t, err)

	require.NoError(t, s.Remove("p2"))
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p2"), "dangling references stay visible")
	assert.Equal(t, []frame.Identity{"p2"}, s.References("p1"))
}

func TestStore_Rename(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Fracture", "p2"), "p2")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, ""), "p3")
	require.NoError(t, err)

	require.NoError(t, s.Rename("p2", "p9"))

	assert.False(t, s.Contains("p2"))
	assert.Equal(t, []frame.Identity{"p1", "p9", "p3"}, s.AllIdentities())

	res, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p9"}, res.Root.ReferenceIDs(), "referencer rewritten")

	res, err = s.Get("p9")
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p9"}, res.Root.ReferenceIDs(), "self reference follows")

	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p9"))
	assert.Empty(t, s.Referencers("p2"))

	ids, err := s.Match(patient(t, m, "Fracture"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p9"}, ids)

	t.Run("errors", func(t *testing.T) {
		assert.ErrorIs(t, s.Rename("ghost", "x"), ErrNotFound)
		assert.ErrorIs(t, s.Rename("p1", "p3"), ErrAlreadyExists)
		assert.NoError(t, s.Rename("p1", "p1"))
	})
}

func TestStore_RenameKeepsDriftPruning(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	_, err := s.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Flu", "p2"), "p2")
	require.NoError(t, err)

	m.RemoveFrame("Flu")
	report, err := s.Reload()
	require.NoError(t, err)
	require.Equal(t, []frame.Identity{"p1", "p2"}, report.PartiallyValid())

	require.NoError(t, s.Rename("p2", "p9"))
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p9"))

	m.Replace(testModel(t))
	report, err = s.Reload()
	require.NoError(t, err)
	assert.True(t, report.Clean())

	for _, id := range []frame.Identity{"p1", "p9"} {
		res, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, regen.FullyValid, res.Status, id)
		values := res.Root.Slot(res.Root.Root(), "diagnosis").Values
		require.Len(t, values, 1, "%s keeps the value pruned during the drift", id)
		assert.Equal(t, frame.TypeID("Flu"), res.Root.Type(values[0].(frame.FrameValue).Frame))
		assert.Equal(t, []frame.Identity{"p9"}, res.Root.ReferenceIDs())
	}

	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []frame.Identity{"p1", "p9"}, ids)
}

func TestStore_RenameWithoutRenamer(t *testing.T) {
	m := testModel(t)
	plain := &plainMatcher{newRecordingMatcher(m, true, "Doctor")}
	s := createTestStore(t, m, plain)

	_, err := s.Add(doctor(t, m, "House"), "d1")
	require.NoError(t, err)
	require.NoError(t, s.Rename("d1", "d2"))

	_, ok := plain.Get("d1")
	assert.False(t, ok)
	_, ok = plain.Get("d2")
	assert.True(t, ok)
}

// plainMatcher hides Direct's Rename so the store falls back to remove+add.
type plainMatcher struct {
	inner *recordingMatcher
}

func (p *plainMatcher) HandlesType(t frame.TypeID) bool { return p.inner.HandlesType(t) }
func (p *plainMatcher) Add(g *frame.Graph, id frame.Identity) error {
	return p.inner.Add(g, id)
}
func (p *plainMatcher) Remove(id frame.Identity) error { return p.inner.Remove(id) }
func (p *plainMatcher) Match(q *frame.Graph) ([]frame.Identity, error) {
	return p.inner.Match(q)
}
func (p *plainMatcher) Matches(q, g *frame.Graph) (bool, error) { return p.inner.Matches(q, g) }
func (p *plainMatcher) RebuildOnStartup() bool                  { return p.inner.RebuildOnStartup() }
func (p *plainMatcher) Get(id frame.Identity) (*frame.Graph, bool) {
	return p.inner.Get(id)
}

func TestStore_Clear(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)

	for _, id := range []frame.Identity{"a", "b", "c"} {
		_, err := s.Add(patient(t, m, "Flu", "a"), id)
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear())

	assert.Zero(t, s.Len())
	assert.Empty(t, s.Referencers("a"))
	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Add(patient(t, m, ""), "d")
	require.NoError(t, err)
	index, _ := s.indexes.Get("d")
	assert.Equal(t, 0, index)
}

func TestStore_MatchesDispatch(t *testing.T) {
	m := testModel(t)
	claims := newRecordingMatcher(m, true, "Doctor")
	s := createTestStore(t, m, claims)

	_, err := s.Add(doctor(t, m, "House"), "d1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)

	_, owned := claims.Get("d1")
	assert.True(t, owned)
	_, owned = claims.Get("p1")
	assert.False(t, owned)

	ok, err := s.Matches(patient(t, m, ""), patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Matches(doctor(t, m, "House"), patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.False(t, ok, "query and instance owned by different matchers")

	ok, err = s.MatchesIdentity(patient(t, m, "Diagnosis"), "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.MatchesIdentity(patient(t, m, ""), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := s.Match(doctor(t, m, "House"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"d1"}, ids)
}

func TestBuilder_MatcherOrdering(t *testing.T) {
	m := testModel(t)
	first := newRecordingMatcher(m, true, "Doctor")
	second := newRecordingMatcher(m, true, "Doctor", "Patient")
	third := newRecordingMatcher(m, true)

	b := NewBuilder(Options{Schema: m, InMemory: true})
	b.AddMatcher(second).InsertMatcher(0, first).AddMatcher(third)
	assert.Equal(t, []matcher.Matcher{first, second, third}, b.Matchers())

	assert.True(t, b.RemoveMatcher(third))
	assert.False(t, b.RemoveMatcher(third))
	assert.True(t, b.ReplaceMatcher(first, third))
	assert.Equal(t, []matcher.Matcher{third, second}, b.Matchers())

	s, err := b.Build()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(doctor(t, m, "House"), "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.adds, "first claiming matcher owns the type")
	assert.Zero(t, third.adds)
}

func TestBuilder_RequiresSchema(t *testing.T) {
	_, err := NewBuilder(Options{InMemory: true}).Build()
	assert.True(t, errors.Is(err, errors.ErrInvalidData))
}

func TestStore_ReopenRebuildsMatchers(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()

	s := openDiskStore(t, m, dir)
	_, err := s.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Fracture"), "p2")
	require.NoError(t, err)
	require.NoError(t, s.Remove("p2"))
	_, err = s.Add(patient(t, m, "Fracture"), "p3")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openDiskStore(t, m, dir)
	defer s.Close()

	assert.ElementsMatch(t, []frame.Identity{"p1", "p3"}, s.AllIdentities())
	assert.Equal(t, []frame.Identity{"p1"}, s.Referencers("p2"))
	typ, err := s.Type("p3")
	require.NoError(t, err)
	assert.Equal(t, frame.TypeID("Patient"), typ)

	ids, err := s.Match(patient(t, m, "RespiratoryCondition"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p1"}, ids)

	assert.True(t, s.RegenReport().Clean())
	_, err = os.Stat(filepath.Join(dir, DefaultReportFile))
	assert.NoError(t, err, "report written to the data directory")
}

func TestStore_ReopenWithDriftedSchema(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()

	s := openDiskStore(t, m, dir)
	_, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	_, err = s.Add(doctor(t, m, "House"), "d1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	m.RemoveFrame("Doctor")
	m.RemoveFrame("Flu")

	s = openDiskStore(t, m, dir)
	defer s.Close()

	report := s.RegenReport()
	assert.Equal(t, []frame.Identity{"d1"}, report.FullyInvalid())
	assert.Equal(t, []frame.Identity{"p1"}, report.PartiallyValid())
	assert.True(t, s.Contains("d1"), "invalid instances stay addressable")

	data, err := os.ReadFile(filepath.Join(dir, DefaultReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "INSTANCE d1 (Doctor): fully-invalid")
	assert.Contains(t, string(data), "VALUE: Patient->diagnosis->Flu")

	require.NoError(t, s.Remove("d1"))
	assert.False(t, s.Contains("d1"))
}

func TestStore_CorruptRecordDoesNotAbortStartup(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()

	s := openDiskStore(t, m, dir)
	_, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Flu"), "p2")
	require.NoError(t, err)
	index, _ := s.indexes.Get("p1")
	require.NoError(t, s.Close())

	engine, err := storage.NewEngine(dir)
	require.NoError(t, err)
	profile, err := engine.GetProfile(index)
	require.NoError(t, err)
	require.NoError(t, engine.Put(index, []byte("{not json"), profile))
	require.NoError(t, engine.Put(40, []byte("{}"), []byte("not a profile")))
	require.NoError(t, engine.Close())

	s = openDiskStore(t, m, dir)
	defer s.Close()

	report := s.RegenReport()
	assert.Equal(t, []frame.Identity{"p1"}, report.FullyInvalid())
	require.Len(t, report.Unreadable(), 1)
	assert.Equal(t, 40, report.Unreadable()[0].Index)

	res, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, regen.FullyInvalid, res.Status)
	assert.True(t, errors.Is(res.Err, storage.ErrCorruptRecord))

	ids, err := s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p2"}, ids)

	previous, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	assert.Nil(t, previous, "corrupt previous instance is not returned")
}

func TestStore_NonRebuildingMatcherIsLeftAlone(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()

	rec := newRecordingMatcher(m, false, "Patient")
	s := openDiskStore(t, m, dir, rec)
	_, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.adds)
	require.NoError(t, s.Close())

	rec = newRecordingMatcher(m, false, "Patient")
	s = openDiskStore(t, m, dir, rec)
	defer s.Close()
	assert.Zero(t, rec.adds, "not repopulated at startup")

	_, err = s.Reload()
	require.NoError(t, err)
	assert.Zero(t, rec.adds, "not repopulated on reload")
}

func TestStore_SQLIndexMatcherPersistsItsOwnPopulation(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "doctors.db")

	open := func() *sqlindex.Matcher {
		idx, err := sqlindex.Open(sqlindex.Options{Path: path, Types: []frame.TypeID{"Doctor"}, Schema: m})
		require.NoError(t, err)
		return idx
	}

	s := openDiskStore(t, m, filepath.Join(dir, "data"), open())
	_, err := s.Add(doctor(t, m, "House"), "d1")
	require.NoError(t, err)
	_, err = s.Add(doctor(t, m, "Wilson"), "d2")
	require.NoError(t, err)
	require.NoError(t, s.Rename("d2", "d3"))
	require.NoError(t, s.Close(), "closes the index too")

	s = openDiskStore(t, m, filepath.Join(dir, "data"), open())
	defer s.Close()

	query := frame.NewInstance(m, "Doctor")
	ids, err := s.Match(query)
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"d1", "d3"}, ids)

	ids, err = s.Match(doctor(t, m, "Wilson"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"d3"}, ids)
}

func TestStore_Metrics(t *testing.T) {
	m := testModel(t)
	reg := prometheus.NewRegistry()
	s, err := NewBuilder(Options{Schema: m, InMemory: true, Registerer: reg}).Build()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)
	_, err = s.Add(patient(t, m, "Flu"), "p2")
	require.NoError(t, err)
	assert.Error(t, s.Remove("ghost"))
	_, err = s.Match(patient(t, m, "Flu"))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("remove", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.instances))

	count, err := testutil.GatherAndCount(reg, "framestore_match_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Backup(t *testing.T) {
	m := testModel(t)
	s := createTestStore(t, m)
	_, err := s.Add(patient(t, m, "Flu"), "p1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Backup(&buf))
	assert.NotZero(t, buf.Len())
}

func TestStore_Restore(t *testing.T) {
	m := testModel(t)
	src := createTestStore(t, m)
	_, err := src.Add(patient(t, m, "Flu", "p2"), "p1")
	require.NoError(t, err)
	_, err = src.Add(patient(t, m, "Fracture"), "p2")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf))
	snapshot := buf.Bytes()

	dst := openDiskStore(t, m, t.TempDir())
	defer dst.Close()

	report, err := dst.Restore(bytes.NewReader(snapshot))
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.ElementsMatch(t, []frame.Identity{"p1", "p2"}, dst.AllIdentities())
	assert.Equal(t, []frame.Identity{"p1"}, dst.Referencers("p2"))

	ids, err := dst.Match(patient(t, m, "RespiratoryCondition"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Identity{"p1"}, ids)

	_, err = dst.Restore(bytes.NewReader(snapshot))
	assert.ErrorIs(t, err, ErrAlreadyExists, "restore needs an empty store")

	require.NoError(t, dst.Remove("p1"))
	assert.NoError(t, dst.CollectGarbage())
}

func TestStore_Closed(t *testing.T) {
	m := testModel(t)
	s, err := NewBuilder(Options{Schema: m, InMemory: true}).Build()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	_, err = s.Add(patient(t, m, ""), "p1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Match(patient(t, m, ""))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Reload()
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Clear(), ErrStoreClosed)
	assert.ErrorIs(t, s.CollectGarbage(), ErrStoreClosed)
	_, err = s.Restore(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrStoreClosed)
}
