package store

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/logging"
	"github.com/orneryd/framestore/pkg/matcher"
	"github.com/orneryd/framestore/pkg/refint"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/storage"
)

// DefaultReportFile is the name of the regeneration report written to the
// data directory after every load.
const DefaultReportFile = "regen-report.log"

// Options configures a Store.
type Options struct {
	// Schema is the live schema. Required.
	Schema regen.Schema

	// DataDir is the badger directory. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps every record in memory (tests, scratch stores).
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// LowMemory trades throughput for a smaller badger footprint.
	LowMemory bool

	// MaxRecordSize rejects instances whose stored record would exceed this
	// many bytes. Zero means no limit beyond badger's own.
	MaxRecordSize int

	// Logger receives store and badger logs. Nil means no logging.
	Logger *zap.Logger

	// Registerer receives the store metrics. Nil leaves them unexported.
	Registerer prometheus.Registerer

	// ReportFile overrides the regeneration report path. Relative paths are
	// resolved against DataDir. No report file is written for in-memory
	// stores.
	ReportFile string
}

// Builder assembles a Store from options and an ordered list of matchers.
//
// Example:
//
//	b := store.NewBuilder(store.Options{Schema: model, InMemory: true})
//	b.AddMatcher(claims)
//	s, err := b.Build()
type Builder struct {
	opts     Options
	matchers []matcher.Matcher
}

// NewBuilder returns a builder with no registered matchers.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// AddMatcher appends m to the matcher list.
func (b *Builder) AddMatcher(m matcher.Matcher) *Builder {
	b.matchers = append(b.matchers, m)
	return b
}

// InsertMatcher inserts m at position i. Out of range positions append.
func (b *Builder) InsertMatcher(i int, m matcher.Matcher) *Builder {
	if i < 0 || i >= len(b.matchers) {
		return b.AddMatcher(m)
	}
	b.matchers = slices.Insert(b.matchers, i, m)
	return b
}

// ReplaceMatcher swaps old for m, keeping its position. It reports whether
// old was registered.
func (b *Builder) ReplaceMatcher(old, m matcher.Matcher) bool {
	for i, v := range b.matchers {
		if v == old {
			b.matchers[i] = m
			return true
		}
	}
	return false
}

// RemoveMatcher drops m. It reports whether m was registered.
func (b *Builder) RemoveMatcher(m matcher.Matcher) bool {
	for i, v := range b.matchers {
		if v == m {
			b.matchers = append(b.matchers[:i], b.matchers[i+1:]...)
			return true
		}
	}
	return false
}

// Matchers returns the registered matchers in dispatch order.
func (b *Builder) Matchers() []matcher.Matcher {
	return append([]matcher.Matcher(nil), b.matchers...)
}

// Build opens the storage engine and loads every stored instance.
// Instances that no longer fit the schema are reported, never fatal.
func (b *Builder) Build() (*Store, error) {
	opts := b.opts
	if opts.Schema == nil {
		return nil, errors.Wrap(errors.ErrInvalidData, "store schema is required")
	}
	log := logging.OrNop(opts.Logger).Named("store")

	engine, err := storage.NewEngineWithOptions(storage.Options{
		DataDir:       opts.DataDir,
		InMemory:      opts.InMemory,
		SyncWrites:    opts.SyncWrites,
		LowMemory:     opts.LowMemory,
		MaxRecordSize: opts.MaxRecordSize,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		schema:     opts.Schema,
		engine:     engine,
		serializer: storage.NewSerializer(engine, opts.Schema),
		indexes:    storage.NewIndexes(),
		refs:       refint.NewManager(),
		registry:   matcher.NewRegistry(matcher.NewDirect(opts.Schema), b.matchers...),
		types:      make(map[frame.Identity]frame.TypeID),
		reportPath: reportPath(opts),
		log:        log,
		metrics:    newMetrics(opts.Registerer),
	}

	if err := s.initialise(); err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}

func reportPath(opts Options) string {
	if opts.InMemory {
		return ""
	}
	name := opts.ReportFile
	if name == "" {
		name = DefaultReportFile
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(opts.DataDir, name)
}

// initialise loads the stored profiles, then regenerates every instance and
// rebuilds the matchers that ask for it.
func (s *Store) initialise() error {
	profiles, unreadable, err := s.serializer.StoredProfiles()
	if err != nil {
		return errors.Wrap(err, "failed to load profiles")
	}

	for _, sp := range profiles {
		id := sp.Profile.Identity
		if err := s.indexes.AssignAt(id, sp.Index); err != nil {
			// A second record claiming a loaded identity is unusable.
			unreadable = append(unreadable, storage.UnreadableProfile{Index: sp.Index, Err: err})
			continue
		}
		s.identities = append(s.identities, id)
		s.types[id] = sp.Profile.TypeID
		s.refs.OnReloaded(id, sp.Profile.References)
	}

	report := regen.NewReport()
	for _, u := range unreadable {
		report.RecordUnreadable(u.Index, u.Err)
		s.log.Warn("unreadable profile", zap.Int("index", u.Index), zap.Error(u.Err))
	}

	if err := s.regenerate(report, false); err != nil {
		return err
	}

	s.indexes.ReinitialiseFreeIndexes()
	s.finishReport(report)
	s.metrics.instances.Set(float64(len(s.identities)))
	s.log.Info("store loaded",
		zap.Int("instances", len(s.identities)),
		zap.Int("fully_invalid", len(report.FullyInvalid())),
		zap.Int("partially_valid", len(report.PartiallyValid())),
		zap.Int("unreadable", len(report.Unreadable())))
	return nil
}

// regenerate reads every instance against the live schema, records the
// outcome in report and feeds usable roots to owners that rebuild on
// startup. With reset set, the owners first drop their previous entry.
func (s *Store) regenerate(report *regen.Report, reset bool) error {
	for _, id := range s.identities {
		index, _ := s.indexes.Get(id)
		res, err := s.serializer.Read(id, index)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", id)
		}
		report.Record(res)
		s.metrics.regen(res.Status)

		switch res.Status {
		case regen.FullyInvalid:
			s.log.Warn("instance no longer fits schema",
				zap.String("identity", string(id)),
				zap.String("type", string(res.RootTypeID)),
				zap.Error(res.Err))
		case regen.PartiallyValid:
			s.log.Info("instance pruned to fit schema",
				zap.String("identity", string(id)),
				zap.Int("pruned", len(res.PrunedSlotPaths)+len(res.PrunedValuePaths)))
		}

		owner := s.registry.For(s.types[id])
		if !owner.RebuildOnStartup() {
			continue
		}
		if reset {
			if err := owner.Remove(id); err != nil {
				return errors.Wrapf(err, "failed to unindex %s", id)
			}
		}
		if !res.Usable() {
			continue
		}
		if err := owner.Add(res.Root, id); err != nil {
			return errors.Wrapf(err, "failed to index %s", id)
		}
	}
	return nil
}

func (s *Store) finishReport(report *regen.Report) {
	s.report = report
	if s.reportPath == "" {
		return
	}
	if err := writeReport(s.reportPath, report); err != nil {
		s.log.Warn("failed to write regeneration report",
			zap.String("path", s.reportPath), zap.Error(err))
	}
}

func writeReport(path string, report *regen.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := report.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Reload regenerates every stored instance against the live schema, as at
// startup, and rebuilds the matchers that rebuild on startup. Use it after
// the schema has changed underneath an open store.
func (s *Store) Reload() (report *regen.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.op("reload", err) }()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	report = regen.NewReport()
	if err := s.regenerate(report, true); err != nil {
		return nil, err
	}
	s.finishReport(report)
	s.log.Info("store reloaded",
		zap.Int("instances", len(s.identities)),
		zap.Int("fully_invalid", len(report.FullyInvalid())),
		zap.Int("partially_valid", len(report.PartiallyValid())))
	return report, nil
}
