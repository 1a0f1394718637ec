// Package matcher defines the pluggable matcher contract and the registry
// that dispatches to matchers by instance type.
//
// A matcher claims a set of instance types and answers match queries for
// them. The store keeps an ordered list of matchers; the first one claiming
// a type owns it, and the built-in Direct matcher handles every type nobody
// claims. Matchers with their own persistent index declare
// RebuildOnStartup() == false and are left alone during the startup reload.
package matcher

import (
	"github.com/orneryd/framestore/pkg/frame"
)

// Matcher answers match queries for the instance types it handles.
//
// Implementations present a synchronous contract; any internal concurrency,
// cancellation or timeouts are their own business.
type Matcher interface {
	// HandlesType reports whether the matcher claims instances of type t.
	HandlesType(t frame.TypeID) bool

	// Add indexes instance under id, replacing any previous entry.
	Add(instance *frame.Graph, id frame.Identity) error

	// Remove drops id from the index. Removing an unknown id is not an error.
	Remove(id frame.Identity) error

	// Match returns the identities of every indexed instance matched by
	// query.
	Match(query *frame.Graph) ([]frame.Identity, error)

	// Matches reports whether query is matched by instance.
	Matches(query, instance *frame.Graph) (bool, error)

	// RebuildOnStartup reports whether the store must repopulate the
	// matcher from the regenerated instances at startup.
	RebuildOnStartup() bool
}

// Renamer is implemented by matchers that can move an entry to a new
// identity without being handed the instance again.
type Renamer interface {
	Rename(from, to frame.Identity) error
}

// Registry is an ordered list of matchers plus the default.
type Registry struct {
	matchers []Matcher
	def      Matcher
}

// NewRegistry returns a registry dispatching to matchers in order and then
// to def.
func NewRegistry(def Matcher, matchers ...Matcher) *Registry {
	return &Registry{
		matchers: append([]Matcher(nil), matchers...),
		def:      def,
	}
}

// For returns the matcher that owns instances of type t: the first
// registered matcher claiming t, else the default.
func (r *Registry) For(t frame.TypeID) Matcher {
	for _, m := range r.matchers {
		if m.HandlesType(t) {
			return m
		}
	}
	return r.def
}

// Default returns the fallback matcher.
func (r *Registry) Default() Matcher { return r.def }

// Registered returns the registered matchers in order, without the default.
func (r *Registry) Registered() []Matcher {
	return append([]Matcher(nil), r.matchers...)
}

// All returns the registered matchers followed by the default.
func (r *Registry) All() []Matcher {
	return append(r.Registered(), r.def)
}
