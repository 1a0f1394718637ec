// Package store provides the instance store: durable, identity-addressed
// storage of instance graphs with pluggable matching.
//
// Every operation runs under one store-wide lock and is atomic with respect
// to the single instance it touches. Records are written before the owning
// matcher is updated, so a reader sees either the old or the new state of
// an instance.
//
// Example:
//
//	s, err := store.NewBuilder(store.Options{Schema: model, DataDir: "./data"}).
//		AddMatcher(indexMatcher).
//		Build()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	if _, err := s.Add(instance, "patient-1"); err != nil {
//		return err
//	}
//	ids, err := s.Match(query)
package store

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/matcher"
	"github.com/orneryd/framestore/pkg/refint"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/storage"
)

// Errors returned by store operations.
var (
	ErrNotFound      = errors.ErrNotFound
	ErrAlreadyExists = errors.ErrAlreadyExists
	ErrStoreClosed   = errors.New("store closed")
)

// Store is the instance store façade.
type Store struct {
	mu     sync.Mutex
	closed bool

	schema     regen.Schema
	engine     *storage.Engine
	serializer *storage.Serializer
	indexes    *storage.Indexes
	refs       *refint.Manager
	registry   *matcher.Registry

	identities []frame.Identity
	types      map[frame.Identity]frame.TypeID

	report     *regen.Report
	reportPath string

	log     *zap.Logger
	metrics *metrics
}

func (s *Store) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func notFound(id frame.Identity) error {
	return errors.Wrapf(ErrNotFound, "instance %s", id)
}

// Schema returns the live schema the store regenerates against.
func (s *Store) Schema() regen.Schema { return s.schema }

// Add stores instance under id. An instance already stored under id is
// replaced and returned (nil if it could not be regenerated).
func (s *Store) Add(instance *frame.Graph, id frame.Identity) (previous *frame.Graph, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("add", err) }()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.Wrap(errors.ErrInvalidData, "empty identity")
	}

	free := instance.Copy()
	if index, ok := s.indexes.Get(id); ok {
		return s.replace(free, id, index)
	}

	index := s.indexes.Assign(id)
	if err := s.serializer.Write(free, id, index); err != nil {
		s.indexes.Free(id)
		return nil, err
	}

	s.identities = append(s.identities, id)
	s.types[id] = free.RootType()
	s.refs.OnAdded(id, storage.ProfileOf(free, id).References)
	s.metrics.instances.Set(float64(len(s.identities)))

	if err := s.registry.For(free.RootType()).Add(free, id); err != nil {
		return nil, errors.Wrapf(err, "stored %s but failed to index it", id)
	}
	s.log.Debug("instance added", zap.String("identity", string(id)), zap.Int("index", index))
	return nil, nil
}

// replace overwrites the record of a stored identity at its own index. The
// old record stays in place until the new one is written.
func (s *Store) replace(free *frame.Graph, id frame.Identity, index int) (*frame.Graph, error) {
	res, err := s.serializer.Read(id, index)
	if err != nil {
		return nil, err
	}
	if err := s.serializer.Write(free, id, index); err != nil {
		return nil, err
	}

	var previous *frame.Graph
	if res.Usable() {
		previous = res.Root
	}
	if err := s.written(free, id); err != nil {
		return previous, err
	}
	s.log.Debug("instance replaced", zap.String("identity", string(id)), zap.Int("index", index))
	return previous, nil
}

// Update replaces the instance stored under id in place, keeping its index.
func (s *Store) Update(instance *frame.Graph, id frame.Identity) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("update", err) }()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	if !s.indexes.Has(id) {
		return notFound(id)
	}
	return s.update(instance.Copy(), id)
}

func (s *Store) update(free *frame.Graph, id frame.Identity) error {
	index, _ := s.indexes.Get(id)
	if err := s.serializer.Write(free, id, index); err != nil {
		return err
	}
	return s.written(free, id)
}

// written brings types, references and the owning matcher in line with a
// record just rewritten for id.
func (s *Store) written(free *frame.Graph, id frame.Identity) error {
	old := s.types[id]
	s.types[id] = free.RootType()
	s.refs.OnAdded(id, storage.ProfileOf(free, id).References)
	return s.reindex(id, old, free)
}

// reindex moves id from the matcher owning oldType to the one owning root.
// A nil root only unindexes.
func (s *Store) reindex(id frame.Identity, oldType frame.TypeID, root *frame.Graph) error {
	if err := s.registry.For(oldType).Remove(id); err != nil {
		return errors.Wrapf(err, "failed to unindex %s", id)
	}
	if root == nil {
		return nil
	}
	if err := s.registry.For(root.RootType()).Add(root, id); err != nil {
		return errors.Wrapf(err, "stored %s but failed to index it", id)
	}
	return nil
}

// Remove deletes the instance stored under id and frees its index.
// References to id held by other instances are left as they are; see
// Referencers.
func (s *Store) Remove(id frame.Identity) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("remove", err) }()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, found, err := s.checkRemove(id)
	if err != nil {
		return err
	}
	if !found {
		return notFound(id)
	}
	s.refs.OnRemoved(id)
	s.metrics.instances.Set(float64(len(s.identities)))
	return nil
}

// checkRemove removes id if present and returns its last regenerated root.
// The matcher entry goes first so that a failed unindex leaves everything
// stored.
func (s *Store) checkRemove(id frame.Identity) (*frame.Graph, bool, error) {
	index, ok := s.indexes.Get(id)
	if !ok {
		return nil, false, nil
	}

	res, err := s.serializer.Read(id, index)
	if err != nil {
		return nil, false, err
	}
	if err := s.registry.For(s.types[id]).Remove(id); err != nil {
		return nil, false, errors.Wrapf(err, "failed to unindex %s", id)
	}
	if err := s.serializer.Remove(index); err != nil {
		return nil, false, err
	}
	s.indexes.Free(id)
	s.dropIdentity(id)
	delete(s.types, id)

	if !res.Usable() {
		return nil, true, nil
	}
	return res.Root, true, nil
}

func (s *Store) dropIdentity(id frame.Identity) {
	for i, v := range s.identities {
		if v == id {
			s.identities = append(s.identities[:i], s.identities[i+1:]...)
			return
		}
	}
}

// Rename moves the instance stored under from to the identity to, keeping
// its index. Stored references to from held by other instances are
// rewritten to point at to.
func (s *Store) Rename(from, to frame.Identity) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("rename", err) }()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	index, ok := s.indexes.Get(from)
	if !ok {
		return notFound(from)
	}
	if from == to {
		return nil
	}
	if to == "" {
		return errors.Wrap(errors.ErrInvalidData, "empty identity")
	}
	if s.indexes.Has(to) {
		return errors.Wrapf(ErrAlreadyExists, "instance %s", to)
	}

	n, err := s.serializer.Retarget(index, to, from, to)
	switch {
	case errors.Is(err, storage.ErrCorruptRecord):
		s.log.Warn("renaming unreadable instance without rewriting its references",
			zap.String("identity", string(from)), zap.Error(err))
		if err := s.serializer.RenameProfile(index, to); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	res, err := s.serializer.Read(to, index)
	if err != nil {
		return err
	}
	rewritten := n > 0

	if err := s.indexes.Rename(from, to); err != nil {
		return err
	}
	for i, v := range s.identities {
		if v == from {
			s.identities[i] = to
		}
	}
	t := s.types[from]
	delete(s.types, from)
	s.types[to] = t

	if err := s.renameInMatcher(s.registry.For(t), from, to, res, rewritten); err != nil {
		return err
	}

	for _, referencer := range s.refs.OnRenamed(from, to) {
		if err := s.retarget(referencer, from, to); err != nil {
			return errors.Wrapf(err, "renamed %s but failed to rewrite %s", from, referencer)
		}
	}
	s.log.Info("instance renamed", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// renameInMatcher moves the matcher entry. A rewritten root must be handed
// over again, so only an unchanged one goes through Renamer.
func (s *Store) renameInMatcher(m matcher.Matcher, from, to frame.Identity, res *regen.Result, rewritten bool) error {
	if r, ok := m.(matcher.Renamer); ok && !rewritten {
		return r.Rename(from, to)
	}
	if err := m.Remove(from); err != nil {
		return err
	}
	if !res.Usable() {
		return nil
	}
	return m.Add(res.Root, to)
}

// retarget rewrites the stored references of referencer from one identity
// to another. The stored document is edited, not regenerated, so drift
// pruning of the referencer is never made permanent.
func (s *Store) retarget(referencer, from, to frame.Identity) error {
	index, ok := s.indexes.Get(referencer)
	if !ok {
		return nil
	}
	n, err := s.serializer.Retarget(index, referencer, from, to)
	if errors.Is(err, storage.ErrCorruptRecord) {
		s.log.Warn("cannot rewrite references of unreadable instance",
			zap.String("identity", string(referencer)),
			zap.String("renamed", string(from)))
		return nil
	}
	if err != nil || n == 0 {
		return err
	}

	res, err := s.serializer.Read(referencer, index)
	if err != nil {
		return err
	}
	var root *frame.Graph
	if res.Usable() {
		root = res.Root
	}
	return s.reindex(referencer, s.types[referencer], root)
}

// Clear removes every instance.
func (s *Store) Clear() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("clear", err) }()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	for _, id := range s.identities {
		if err := s.registry.For(s.types[id]).Remove(id); err != nil {
			return errors.Wrapf(err, "failed to unindex %s", id)
		}
	}
	if err := s.serializer.Clear(); err != nil {
		return err
	}
	s.identities = nil
	s.types = make(map[frame.Identity]frame.TypeID)
	s.indexes.Reset()
	s.refs.Clear()
	s.metrics.instances.Set(0)
	return nil
}

// Contains reports whether an instance is stored under id.
func (s *Store) Contains(id frame.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes.Has(id)
}

// Type returns the root type recorded for id. The type may no longer exist
// in the schema.
func (s *Store) Type(id frame.Identity) (frame.TypeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.types[id]
	if !ok {
		return "", notFound(id)
	}
	return t, nil
}

// Get reads and regenerates the instance stored under id.
func (s *Store) Get(id frame.Identity) (res *regen.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("get", err) }()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.get(id)
}

func (s *Store) get(id frame.Identity) (*regen.Result, error) {
	index, ok := s.indexes.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	return s.serializer.Read(id, index)
}

// AllIdentities returns every stored identity in load then insertion order.
func (s *Store) AllIdentities() []frame.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Identity(nil), s.identities...)
}

// Len returns the number of stored instances.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// Match returns the identities of the stored instances matched by query,
// as answered by the matcher owning the query's root type.
func (s *Store) Match(query *frame.Graph) (ids []frame.Identity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("match", err) }()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	q := query.Copy()
	m := s.registry.For(q.RootType())

	start := time.Now()
	ids, err = m.Match(q)
	s.metrics.matchDuration.WithLabelValues(matcherName(m)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "match failed")
	}
	s.metrics.matchResults.Observe(float64(len(ids)))
	return ids, nil
}

// Matches reports whether query is matched by instance. Both must be owned
// by the same matcher; otherwise they never match.
func (s *Store) Matches(query, instance *frame.Graph) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	return s.matches(query.Copy(), instance.Copy())
}

// MatchesIdentity reports whether query is matched by the instance stored
// under id. An instance that no longer regenerates matches nothing.
func (s *Store) MatchesIdentity(query *frame.Graph, id frame.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	res, err := s.get(id)
	if err != nil {
		return false, err
	}
	if !res.Usable() {
		return false, nil
	}
	return s.matches(query.Copy(), res.Root)
}

func (s *Store) matches(query, instance *frame.Graph) (bool, error) {
	m := s.registry.For(query.RootType())
	if m != s.registry.For(instance.RootType()) {
		return false, nil
	}
	return m.Matches(query, instance)
}

// Referencers returns the stored instances that reference id.
func (s *Store) Referencers(id frame.Identity) []frame.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs.Referencers(id)
}

// References returns the instances referenced by id.
func (s *Store) References(id frame.Identity) []frame.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs.References(id)
}

// RegenReport returns the report of the most recent load or Reload.
func (s *Store) RegenReport() *regen.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Backup writes a consistent snapshot of the stored records to w.
func (s *Store) Backup(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.engine.Backup(w)
}

// Restore loads a snapshot written by Backup into an empty store and loads
// the restored instances as at startup. Matchers that keep their own
// population are not refilled.
func (s *Store) Restore(r io.Reader) (report *regen.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("restore", err) }()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if len(s.identities) > 0 {
		return nil, errors.Wrapf(ErrAlreadyExists, "restore into a store holding %d instances", len(s.identities))
	}
	if err := s.engine.Restore(r); err != nil {
		return nil, err
	}
	s.indexes.Reset()
	s.refs.Clear()
	s.types = make(map[frame.Identity]frame.TypeID)
	if err := s.initialise(); err != nil {
		return nil, err
	}
	return s.report, nil
}

// CollectGarbage runs one pass of storage garbage collection, reclaiming
// space left by replaced and removed records.
func (s *Store) CollectGarbage() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("gc", err) }()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.engine.RunGC()
}

// Close closes registered matchers that implement io.Closer and then the
// storage engine. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	for _, m := range s.registry.Registered() {
		if c, ok := m.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	if err := s.engine.Sync(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := s.engine.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

func matcherName(m matcher.Matcher) string {
	switch m.(type) {
	case *matcher.Direct:
		return "direct"
	default:
		return "registered"
	}
}
