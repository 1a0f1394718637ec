package storage

import (
	"sort"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
)

// Indexes maps instance identities to record indexes.
//
// Freed indexes are reused lowest first, but only after
// ReinitialiseFreeIndexes has run: until then (during a bulk reload) new
// indexes are taken from past the highest index ever assigned, so an index
// that some not-yet-loaded record still occupies is never handed out twice.
//
// Indexes is not safe for concurrent use; the store serialises access.
type Indexes struct {
	byID   map[frame.Identity]int
	inUse  map[int]frame.Identity
	free   []int // sorted ascending
	next   int
	reinit bool
}

// NewIndexes returns an empty allocator.
func NewIndexes() *Indexes {
	return &Indexes{
		byID:  make(map[frame.Identity]int),
		inUse: make(map[int]frame.Identity),
	}
}

// Assign allocates an index for id. If id already has one it is returned.
func (x *Indexes) Assign(id frame.Identity) int {
	if index, ok := x.byID[id]; ok {
		return index
	}
	var index int
	if x.reinit && len(x.free) > 0 {
		index = x.free[0]
		x.free = x.free[1:]
	} else {
		index = x.next
	}
	x.take(id, index)
	return index
}

// AssignAt records that id lives at index, as found on disk during reload.
func (x *Indexes) AssignAt(id frame.Identity, index int) error {
	if index < 0 {
		return errors.Wrapf(errors.ErrInvalidData, "negative index %d", index)
	}
	if owner, ok := x.inUse[index]; ok && owner != id {
		return errors.Wrapf(errors.ErrAlreadyExists, "index %d already held by %s", index, owner)
	}
	if prev, ok := x.byID[id]; ok && prev != index {
		return errors.Wrapf(errors.ErrAlreadyExists, "%s already at index %d", id, prev)
	}
	x.removeFree(index)
	x.take(id, index)
	return nil
}

func (x *Indexes) take(id frame.Identity, index int) {
	x.byID[id] = index
	x.inUse[index] = id
	if index >= x.next {
		x.next = index + 1
	}
}

func (x *Indexes) removeFree(index int) {
	i := sort.SearchInts(x.free, index)
	if i < len(x.free) && x.free[i] == index {
		x.free = append(x.free[:i], x.free[i+1:]...)
	}
}

// Free releases the index held by id and returns it.
func (x *Indexes) Free(id frame.Identity) (int, bool) {
	index, ok := x.byID[id]
	if !ok {
		return 0, false
	}
	delete(x.byID, id)
	delete(x.inUse, index)
	i := sort.SearchInts(x.free, index)
	x.free = append(x.free, 0)
	copy(x.free[i+1:], x.free[i:])
	x.free[i] = index
	return index, true
}

// Has reports whether id holds an index.
func (x *Indexes) Has(id frame.Identity) bool {
	_, ok := x.byID[id]
	return ok
}

// Get returns the index held by id.
func (x *Indexes) Get(id frame.Identity) (int, bool) {
	index, ok := x.byID[id]
	return index, ok
}

// Rename moves the index held by from to to.
func (x *Indexes) Rename(from, to frame.Identity) error {
	index, ok := x.byID[from]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "%s", from)
	}
	if from == to {
		return nil
	}
	if _, taken := x.byID[to]; taken {
		return errors.Wrapf(errors.ErrAlreadyExists, "%s", to)
	}
	delete(x.byID, from)
	x.byID[to] = index
	x.inUse[index] = to
	return nil
}

// Identities returns every identity holding an index, sorted.
func (x *Indexes) Identities() []frame.Identity {
	ids := make([]frame.Identity, 0, len(x.byID))
	for id := range x.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of indexes in use.
func (x *Indexes) Len() int { return len(x.byID) }

// ReinitialiseFreeIndexes recomputes the free set as every index below the
// highest in use that no identity holds, and enables reuse. Run it once
// after a bulk reload.
func (x *Indexes) ReinitialiseFreeIndexes() {
	next := 0
	for index := range x.inUse {
		if index >= next {
			next = index + 1
		}
	}
	x.next = next
	x.free = x.free[:0]
	for index := 0; index < next; index++ {
		if _, ok := x.inUse[index]; !ok {
			x.free = append(x.free, index)
		}
	}
	x.reinit = true
}

// Reset forgets every assignment.
func (x *Indexes) Reset() {
	x.byID = make(map[frame.Identity]int)
	x.inUse = make(map[int]frame.Identity)
	x.free = nil
	x.next = 0
	x.reinit = true
}
