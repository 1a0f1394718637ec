// Package refint tracks which stored instances reference which others.
//
// The Manager is fed from profiles, so it never needs the instance
// documents. Its answers are advisory: removing an instance that others
// still reference is allowed, and callers decide whether dangling
// references are acceptable.
package refint

import (
	"sort"

	"github.com/orneryd/framestore/pkg/frame"
)

type idSet map[frame.Identity]struct{}

func (s idSet) sorted() []frame.Identity {
	out := make([]frame.Identity, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Manager keeps the forward (referencer -> referenced) and reverse
// (referenced -> referencers) edges between stored instances.
//
// Manager is not safe for concurrent use; the store serialises access.
type Manager struct {
	refs    map[frame.Identity]idSet
	reverse map[frame.Identity]idSet
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		refs:    make(map[frame.Identity]idSet),
		reverse: make(map[frame.Identity]idSet),
	}
}

// OnAdded records the references of a newly added (or replaced) instance.
func (m *Manager) OnAdded(id frame.Identity, references []frame.Identity) {
	m.drop(id)
	m.link(id, references)
}

// OnReloaded records the references read from a stored profile at startup.
func (m *Manager) OnReloaded(id frame.Identity, references []frame.Identity) {
	m.link(id, references)
}

// OnRemoved forgets the references held by id. References to id from other
// instances are kept, since they still exist in those instances.
func (m *Manager) OnRemoved(id frame.Identity) {
	m.drop(id)
}

// OnRenamed moves every edge from old to renamed and returns, sorted, the
// instances whose stored references to old must be rewritten.
func (m *Manager) OnRenamed(old, renamed frame.Identity) []frame.Identity {
	if old == renamed {
		return nil
	}

	if out, ok := m.refs[old]; ok {
		m.drop(old)
		m.link(renamed, out.sorted())
	}

	in, ok := m.reverse[old]
	if !ok {
		return nil
	}
	delete(m.reverse, old)
	srcs := in.sorted()
	for _, src := range srcs {
		delete(m.refs[src], old)
		m.link(src, []frame.Identity{renamed})
	}
	return srcs
}

// Referencers returns, sorted, the instances that reference id.
func (m *Manager) Referencers(id frame.Identity) []frame.Identity {
	return m.reverse[id].sorted()
}

// References returns, sorted, the instances id references.
func (m *Manager) References(id frame.Identity) []frame.Identity {
	return m.refs[id].sorted()
}

// Referenced reports whether any instance references id.
func (m *Manager) Referenced(id frame.Identity) bool {
	return len(m.reverse[id]) > 0
}

// Clear forgets everything.
func (m *Manager) Clear() {
	m.refs = make(map[frame.Identity]idSet)
	m.reverse = make(map[frame.Identity]idSet)
}

func (m *Manager) link(id frame.Identity, references []frame.Identity) {
	for _, target := range references {
		if target == id {
			continue
		}
		out, ok := m.refs[id]
		if !ok {
			out = make(idSet)
			m.refs[id] = out
		}
		out[target] = struct{}{}

		in, ok := m.reverse[target]
		if !ok {
			in = make(idSet)
			m.reverse[target] = in
		}
		in[id] = struct{}{}
	}
}

func (m *Manager) drop(id frame.Identity) {
	for target := range m.refs[id] {
		in := m.reverse[target]
		delete(in, id)
		if len(in) == 0 {
			delete(m.reverse, target)
		}
	}
	delete(m.refs, id)
}
