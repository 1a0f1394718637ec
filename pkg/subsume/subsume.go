// Package subsume decides whether a query instance is matched by a candidate.
//
// A query matches a candidate when every constraint the query expresses
// holds for the candidate. The query may be less specific than the
// candidate but never more: this is one-directional structural subsumption,
// not equality.
//
// Rules, applied recursively from the two roots:
//
//   - Disjunctions: both sides are expanded to their atomic alternatives.
//     Every query alternative must be matched by at least one candidate
//     alternative.
//   - Atomic pairs: the candidate's type must equal or specialise the
//     query's, and every non-empty query slot must exist on the candidate
//     with at least as many values, each query value matched by some
//     candidate value. A slot missing from the candidate fails the match.
//   - References: a candidate reference is matched only by a query
//     reference to the same identity. References are never expanded.
//   - Numbers: the query range must contain the candidate range or point.
//   - Strings: exact equality.
//
// Cycles are handled co-inductively: a (query, candidate) frame pair that
// is already being compared further up the call path is assumed to match.
// Results are never cached, since an answer obtained under that assumption
// only holds within its own call path.
//
// Example:
//
//	t := subsume.Tester{Types: model}
//	if t.Match(query, instance) {
//		// instance satisfies query
//	}
package subsume

import (
	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
)

// Tester runs subsumption tests against a type hierarchy.
type Tester struct {
	// Types decides type subsumption. When nil, the query graph's own
	// hierarchy is used; with neither, only identical types subsume.
	Types frame.TypeHierarchy
}

// Match reports whether query is matched by candidate, root to root.
func (t Tester) Match(query, candidate *frame.Graph) bool {
	return t.MatchFrames(query, query.Root(), candidate, candidate.Root())
}

// MatchFrames reports whether frame qf of query is matched by frame cf of
// candidate.
func (t Tester) MatchFrames(query *frame.Graph, qf frame.FrameID, candidate *frame.Graph, cf frame.FrameID) bool {
	types := t.Types
	if types == nil {
		types = query.Types()
	}
	m := &matching{
		types:  types,
		q:      query,
		c:      candidate,
		active: make(map[framePair]struct{}),
	}
	return m.frames(qf, cf)
}

type framePair struct {
	q, c frame.FrameID
}

type matching struct {
	types  frame.TypeHierarchy
	q, c   *frame.Graph
	active map[framePair]struct{}
}

func (m *matching) subsumes(general, specific frame.TypeID) bool {
	if general == specific {
		return true
	}
	return m.types != nil && m.types.Subsumes(general, specific)
}

// frames matches two frames of any kind.
func (m *matching) frames(qf, cf frame.FrameID) bool {
	p := framePair{qf, cf}
	if _, ok := m.active[p]; ok {
		return true
	}
	m.active[p] = struct{}{}
	defer delete(m.active, p)

	qd := m.q.AsDisjuncts(qf)
	cd := m.c.AsDisjuncts(cf)
	if len(qd) == 0 || len(cd) == 0 {
		panic(errors.AssertionFailedf("disjunction without members reached the matcher"))
	}

	for _, qa := range qd {
		if !m.anyLocal(qa, cd) {
			return false
		}
	}
	return true
}

func (m *matching) anyLocal(qa frame.FrameID, cd []frame.FrameID) bool {
	for _, ca := range cd {
		if m.local(qa, ca) {
			return true
		}
	}
	return false
}

// local matches one query alternative against one candidate alternative,
// dispatching on the candidate's kind.
func (m *matching) local(qa, ca frame.FrameID) bool {
	switch m.c.Kind(ca) {
	case frame.Reference:
		return m.q.Kind(qa) == frame.Reference && m.q.Target(qa) == m.c.Target(ca)
	case frame.Atomic:
		if m.q.Kind(qa) != frame.Atomic {
			return false
		}
		return m.atomic(qa, ca)
	case frame.Disjunction:
		panic(errors.AssertionFailedf("nested disjunction reached the matcher"))
	default:
		panic(errors.AssertionFailedf("unknown frame kind %v", m.c.Kind(ca)))
	}
}

func (m *matching) atomic(qa, ca frame.FrameID) bool {
	if !m.subsumes(m.q.Type(qa), m.c.Type(ca)) {
		return false
	}
	for _, qs := range m.q.Slots(qa) {
		if qs.Empty() {
			continue
		}
		cs := m.c.Slot(ca, qs.ID())
		if cs == nil {
			return false
		}
		// Cheap size check before the per-value recursion.
		if len(qs.Values) > len(cs.Values) {
			return false
		}
		for _, qv := range qs.Values {
			if !m.anyValue(qv, cs.Values) {
				return false
			}
		}
	}
	return true
}

func (m *matching) anyValue(qv frame.Value, cvs []frame.Value) bool {
	for _, cv := range cvs {
		if m.value(qv, cv) {
			return true
		}
	}
	return false
}

func (m *matching) value(qv, cv frame.Value) bool {
	switch q := qv.(type) {
	case frame.FrameValue:
		c, ok := cv.(frame.FrameValue)
		return ok && m.frames(q.Frame, c.Frame)
	case frame.NumberValue:
		c, ok := cv.(frame.NumberValue)
		return ok && q.Number.Contains(c.Number)
	case frame.StringValue:
		c, ok := cv.(frame.StringValue)
		return ok && q == c
	default:
		panic(errors.AssertionFailedf("unknown value %T", qv))
	}
}
