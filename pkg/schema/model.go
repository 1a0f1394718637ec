// Package schema provides the live schema that instances are validated against.
//
// A Model holds frame types, their supertypes and their slot definitions. It
// implements frame.TypeHierarchy for subsumption and the lookups needed by
// regeneration. Lookups always read the current contents under a lock, so a
// schema change is visible to the very next call; nothing is cached.
//
// Example:
//
//	m := schema.NewModel()
//	m.AddFrame(schema.FrameType{ID: "Diagnosis"})
//	m.AddFrame(schema.FrameType{ID: "Flu", Supers: []frame.TypeID{"Diagnosis"}})
//	m.Subsumes("Diagnosis", "Flu") // true
package schema

import (
	"sort"
	"sync"

	"github.com/orneryd/framestore/pkg/frame"
)

// FrameType is the schema definition of a frame type.
type FrameType struct {
	ID     frame.TypeID
	Supers []frame.TypeID
	Slots  []frame.SlotSpec
}

func (ft FrameType) clone() FrameType {
	return FrameType{
		ID:     ft.ID,
		Supers: append([]frame.TypeID(nil), ft.Supers...),
		Slots:  append([]frame.SlotSpec(nil), ft.Slots...),
	}
}

// Model is an in-memory schema. Safe for concurrent use.
type Model struct {
	mu     sync.RWMutex
	frames map[frame.TypeID]FrameType
}

// NewModel returns an empty schema.
func NewModel() *Model {
	return &Model{frames: make(map[frame.TypeID]FrameType)}
}

// AddFrame adds or replaces a frame type.
func (m *Model) AddFrame(ft FrameType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[ft.ID] = ft.clone()
}

// RemoveFrame deletes a frame type. Links from subtypes to it and slots whose
// frame value type is rooted at it are dropped too, so the remaining schema
// stays self-consistent.
func (m *Model) RemoveFrame(id frame.TypeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.frames[id]; !ok {
		return false
	}
	delete(m.frames, id)

	for tid, ft := range m.frames {
		supers := ft.Supers[:0:0]
		for _, s := range ft.Supers {
			if s != id {
				supers = append(supers, s)
			}
		}
		slots := ft.Slots[:0:0]
		for _, s := range ft.Slots {
			if s.ValueType.Kind != frame.FrameKind || s.ValueType.Root != id {
				slots = append(slots, s)
			}
		}
		ft.Supers, ft.Slots = supers, slots
		m.frames[tid] = ft
	}
	return true
}

// RemoveSlot deletes the slot definition id declared directly on frame type t.
func (m *Model) RemoveSlot(t frame.TypeID, id frame.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ft, ok := m.frames[t]
	if !ok {
		return false
	}
	for i, s := range ft.Slots {
		if s.ID == id {
			ft.Slots = append(ft.Slots[:i:i], ft.Slots[i+1:]...)
			m.frames[t] = ft
			return true
		}
	}
	return false
}

// Replace swaps the whole contents of m for those of other.
func (m *Model) Replace(other *Model) {
	other.mu.RLock()
	frames := make(map[frame.TypeID]FrameType, len(other.frames))
	for id, ft := range other.frames {
		frames[id] = ft.clone()
	}
	other.mu.RUnlock()

	m.mu.Lock()
	m.frames = frames
	m.mu.Unlock()
}

// Frame returns the definition of t.
func (m *Model) Frame(t frame.TypeID) (FrameType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ft, ok := m.frames[t]
	if !ok {
		return FrameType{}, false
	}
	return ft.clone(), true
}

// HasType reports whether t is currently defined.
func (m *Model) HasType(t frame.TypeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.frames[t]
	return ok
}

// TypeIDs returns every defined type, sorted.
func (m *Model) TypeIDs() []frame.TypeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]frame.TypeID, 0, len(m.frames))
	for id := range m.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subsumes reports whether specific is general or a (transitive) subtype of it.
// An undefined specific type is subsumed only by itself.
func (m *Model) Subsumes(general, specific frame.TypeID) bool {
	if general == specific {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := map[frame.TypeID]bool{specific: true}
	queue := []frame.TypeID{specific}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, s := range m.frames[t].Supers {
			if s == general {
				return true
			}
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	return false
}

// SlotSpec resolves slot id for frame type t, looking at t's own slots first
// and then its supertypes breadth first.
func (m *Model) SlotSpec(t frame.TypeID, id frame.SlotID) (frame.SlotSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := map[frame.TypeID]bool{t: true}
	queue := []frame.TypeID{t}
	for len(queue) > 0 {
		ft, ok := m.frames[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, s := range ft.Slots {
			if s.ID == id {
				return s, true
			}
		}
		for _, s := range ft.Supers {
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	return frame.SlotSpec{}, false
}

// SlotSpecs returns every slot available on t, own slots first.
func (m *Model) SlotSpecs(t frame.TypeID) []frame.SlotSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var specs []frame.SlotSpec
	seen := make(map[frame.SlotID]bool)
	visited := map[frame.TypeID]bool{t: true}
	queue := []frame.TypeID{t}
	for len(queue) > 0 {
		ft, ok := m.frames[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, s := range ft.Slots {
			if !seen[s.ID] {
				seen[s.ID] = true
				specs = append(specs, s)
			}
		}
		for _, s := range ft.Supers {
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	return specs
}
