package regen

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/framestore/pkg/frame"
)

// Entry is the report line for one instance that did not regenerate cleanly.
type Entry struct {
	Identity frame.Identity
	RootType frame.TypeID
	Status   Status
	Pruned   []Path
	Err      error
}

// Unreadable is a stored record whose profile could not be read, so its
// identity is unknown.
type Unreadable struct {
	Index int
	Err   error
}

// Report accumulates the outcome of a bulk reload. Per-instance failures are
// collected here and never stop the reload of the remaining instances.
//
// A Report is built by one goroutine and read-only afterwards.
type Report struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Checked   int

	entries    []Entry
	byID       map[frame.Identity]int
	unreadable []Unreadable
}

// NewReport starts an empty report.
func NewReport() *Report {
	return &Report{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		byID:      make(map[frame.Identity]int),
	}
}

// Record adds the outcome of regenerating one instance.
func (r *Report) Record(res *Result) {
	r.Checked++
	if res.Status == FullyValid {
		return
	}
	r.byID[res.Identity] = len(r.entries)
	r.entries = append(r.entries, Entry{
		Identity: res.Identity,
		RootType: res.RootTypeID,
		Status:   res.Status,
		Pruned:   res.PrunedPaths(),
		Err:      res.Err,
	})
}

// RecordUnreadable notes a record that could not be identified at all.
func (r *Report) RecordUnreadable(index int, err error) {
	r.unreadable = append(r.unreadable, Unreadable{Index: index, Err: err})
}

// Entry returns the report line for id, if it was not fully valid.
func (r *Report) Entry(id frame.Identity) (Entry, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Entries returns every non-fully-valid outcome in reload order.
func (r *Report) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// FullyInvalid returns the identities that could not be regenerated.
func (r *Report) FullyInvalid() []frame.Identity { return r.withStatus(FullyInvalid) }

// PartiallyValid returns the identities that lost slots or values.
func (r *Report) PartiallyValid() []frame.Identity { return r.withStatus(PartiallyValid) }

// Unreadable returns the records whose profiles could not be read.
func (r *Report) Unreadable() []Unreadable {
	return append([]Unreadable(nil), r.unreadable...)
}

func (r *Report) withStatus(s Status) []frame.Identity {
	var ids []frame.Identity
	for _, e := range r.entries {
		if e.Status == s {
			ids = append(ids, e.Identity)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clean reports whether every instance regenerated fully.
func (r *Report) Clean() bool {
	return len(r.entries) == 0 && len(r.unreadable) == 0
}

// WriteTo renders the report as text.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}

	fmt.Fprintf(cw, "REGENERATION REPORT %s\n", r.RunID)
	fmt.Fprintf(cw, "started: %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(cw, "checked: %d  fully-invalid: %d  partially-valid: %d  unreadable: %d\n",
		r.Checked, len(r.FullyInvalid()), len(r.PartiallyValid()), len(r.unreadable))

	for _, e := range r.entries {
		fmt.Fprintf(cw, "\nINSTANCE %s (%s): %s\n", e.Identity, e.RootType, e.Status)
		if e.Err != nil {
			fmt.Fprintf(cw, "  error: %v\n", e.Err)
		}
		for _, p := range e.Pruned {
			fmt.Fprintf(cw, "  %s\n", p)
		}
	}
	for _, u := range r.unreadable {
		fmt.Fprintf(cw, "\nRECORD %d: unreadable profile: %v\n", u.Index, u.Err)
	}

	if err := cw.w.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
