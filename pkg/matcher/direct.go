package matcher

import (
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/subsume"
)

// Direct is the built-in matcher. It keeps an in-memory population of
// frozen instance copies grouped by root type and tests a query against
// every candidate whose root type the query's root type subsumes.
//
// Direct handles every type. It is not safe for concurrent use; the store
// serialises access.
type Direct struct {
	types  frame.TypeHierarchy
	tester subsume.Tester

	buckets map[frame.TypeID]*bucket
	order   []frame.TypeID
	byID    map[frame.Identity]frame.TypeID
}

type bucket struct {
	ids       []frame.Identity
	instances map[frame.Identity]*frame.Graph
}

// NewDirect returns an empty Direct matcher over the type hierarchy types.
func NewDirect(types frame.TypeHierarchy) *Direct {
	return &Direct{
		types:   types,
		tester:  subsume.Tester{Types: types},
		buckets: make(map[frame.TypeID]*bucket),
		byID:    make(map[frame.Identity]frame.TypeID),
	}
}

// HandlesType claims every type.
func (d *Direct) HandlesType(frame.TypeID) bool { return true }

// RebuildOnStartup is true: Direct keeps nothing on disk.
func (d *Direct) RebuildOnStartup() bool { return true }

// Add stores a frozen copy of instance.
func (d *Direct) Add(instance *frame.Graph, id frame.Identity) error {
	if err := d.Remove(id); err != nil {
		return err
	}
	t := instance.RootType()
	b, ok := d.buckets[t]
	if !ok {
		b = &bucket{instances: make(map[frame.Identity]*frame.Graph)}
		d.buckets[t] = b
		d.order = append(d.order, t)
	}
	c := instance.Copy()
	c.Freeze()
	b.ids = append(b.ids, id)
	b.instances[id] = c
	d.byID[id] = t
	return nil
}

// Remove drops id.
func (d *Direct) Remove(id frame.Identity) error {
	t, ok := d.byID[id]
	if !ok {
		return nil
	}
	delete(d.byID, id)
	b := d.buckets[t]
	delete(b.instances, id)
	for i, v := range b.ids {
		if v == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
	return nil
}

// Rename moves the entry for from to to, keeping its position.
func (d *Direct) Rename(from, to frame.Identity) error {
	t, ok := d.byID[from]
	if !ok || from == to {
		return nil
	}
	if err := d.Remove(to); err != nil {
		return err
	}
	b := d.buckets[t]
	for i, v := range b.ids {
		if v == from {
			b.ids[i] = to
		}
	}
	b.instances[to] = b.instances[from]
	delete(b.instances, from)
	delete(d.byID, from)
	d.byID[to] = t
	return nil
}

// Get returns the stored copy of id. It is frozen.
func (d *Direct) Get(id frame.Identity) (*frame.Graph, bool) {
	t, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return d.buckets[t].instances[id], true
}

// Len returns the number of stored instances.
func (d *Direct) Len() int { return len(d.byID) }

// Match tests query against every candidate of a compatible root type and
// returns the matches in type then insertion order.
func (d *Direct) Match(query *frame.Graph) ([]frame.Identity, error) {
	var out []frame.Identity
	rootType := query.RootType()
	for _, t := range d.order {
		if !d.compatible(rootType, t) {
			continue
		}
		b := d.buckets[t]
		for _, id := range b.ids {
			if d.tester.Match(query, b.instances[id]) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// Matches tests query against one instance.
func (d *Direct) Matches(query, instance *frame.Graph) (bool, error) {
	return d.tester.Match(query, instance), nil
}

func (d *Direct) compatible(general, specific frame.TypeID) bool {
	return general == specific || (d.types != nil && d.types.Subsumes(general, specific))
}
