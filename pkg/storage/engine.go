// Package storage provides durable record storage for framestore.
//
// Engine stores one record pair per live instance in BadgerDB: the rendered
// instance document and its profile, both addressed by the instance's
// allocated index. Serializer builds on Engine to write and read instance
// graphs, and Indexes allocates the indexes.
package storage

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/logging"
)

// Key prefixes for the two halves of a record pair.
const (
	prefixData    = byte(0x01) // data:index -> JSON(serial.Document)
	prefixProfile = byte(0x02) // profile:index -> gob(Profile)
)

// Errors returned by Engine.
var (
	ErrStorageClosed  = errors.New("storage closed")
	ErrRecordTooLarge = errors.New("record too large")
)

// Engine persists record pairs using BadgerDB.
//
// Key Structure:
//   - Data:    0x01 + uint32 big-endian index -> instance document
//   - Profile: 0x02 + uint32 big-endian index -> profile
//
// Both halves of a pair are written and deleted in one transaction, so a
// reader sees either the old pair or the new one.
//
// Example:
//
//	engine, err := storage.NewEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	err = engine.Put(3, data, profile)
type Engine struct {
	db            *badger.DB
	closed        bool
	inMemory      bool
	maxRecordSize int
	log           *zap.Logger
	mu            sync.RWMutex
}

// Options configures an Engine.
type Options struct {
	// DataDir is the badger directory. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps everything in memory; data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// LowMemory trades speed for smaller memtables and caches.
	LowMemory bool

	// MaxRecordSize caps the combined size of a record pair in bytes.
	// Zero leaves only badger's own entry limit.
	MaxRecordSize int

	// Logger receives badger's internal log output. Nil silences it.
	Logger *zap.Logger
}

// NewEngine opens (or creates) a persistent engine in dir.
func NewEngine(dir string) (*Engine, error) {
	return NewEngineWithOptions(Options{DataDir: dir})
}

// NewEngineInMemory opens an in-memory engine for tests.
func NewEngineInMemory() (*Engine, error) {
	return NewEngineWithOptions(Options{InMemory: true})
}

// NewEngineWithOptions opens an engine with explicit options.
//
// Configuration Trade-offs:
//   - SyncWrites=true: slower writes but every acknowledged Put survives a crash
//   - LowMemory=true: less RAM but slower reads
func NewEngineWithOptions(opts Options) (*Engine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	logger := logging.OrNop(opts.Logger)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(logging.Badger(opts.Logger))
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}
	// Instance documents are small; keep them in the LSM tree.
	badgerOpts = badgerOpts.WithValueThreshold(64 << 10)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB")
	}

	logger.Debug("storage engine opened",
		zap.String("dir", opts.DataDir),
		zap.Bool("in_memory", opts.InMemory),
		zap.Bool("sync_writes", opts.SyncWrites))

	return &Engine{
		db:            db,
		inMemory:      opts.InMemory,
		maxRecordSize: opts.MaxRecordSize,
		log:           logger,
	}, nil
}

// IsInMemory reports whether the engine was opened in memory-only mode.
func (e *Engine) IsInMemory() bool { return e.inMemory }

func indexBytes(prefix byte, index int) []byte {
	key := make([]byte, 5)
	key[0] = prefix
	binary.BigEndian.PutUint32(key[1:], uint32(index))
	return key
}

func dataKey(index int) []byte    { return indexBytes(prefixData, index) }
func profileKey(index int) []byte { return indexBytes(prefixProfile, index) }

func indexFromKey(key []byte) (int, bool) {
	if len(key) != 5 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(key[1:])), true
}

func checkIndex(index int) error {
	if index < 0 || uint64(index) > uint64(^uint32(0)) {
		return errors.Wrapf(errors.ErrInvalidData, "index %d out of range", index)
	}
	return nil
}

// Put writes the record pair at index, replacing any previous pair.
func (e *Engine) Put(index int, data, profile []byte) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	if size := len(data) + len(profile); e.maxRecordSize > 0 && size > e.maxRecordSize {
		return errors.Wrapf(ErrRecordTooLarge, "record %d is %d bytes, limit %d", index, size, e.maxRecordSize)
	}
	return e.withUpdate(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(index), data); err != nil {
			return errors.Wrapf(err, "failed to write data %d", index)
		}
		if err := txn.Set(profileKey(index), profile); err != nil {
			return errors.Wrapf(err, "failed to write profile %d", index)
		}
		return nil
	})
}

// PutProfile replaces only the profile at index. The data half must exist.
func (e *Engine) PutProfile(index int, profile []byte) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	return e.withUpdate(func(txn *badger.Txn) error {
		if _, err := txn.Get(dataKey(index)); err != nil {
			return notFound(err, index)
		}
		return txn.Set(profileKey(index), profile)
	})
}

// Get returns the data half of the pair at index.
func (e *Engine) Get(index int) ([]byte, error) {
	return e.get(dataKey(index), index)
}

// GetProfile returns the profile half of the pair at index.
func (e *Engine) GetProfile(index int) ([]byte, error) {
	return e.get(profileKey(index), index)
}

func (e *Engine) get(key []byte, index int) ([]byte, error) {
	var out []byte
	err := e.withView(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return notFound(err, index)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func notFound(err error, index int) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.Wrapf(errors.ErrNotFound, "record %d", index)
	}
	return errors.Wrapf(err, "failed to read record %d", index)
}

// Delete removes the pair at index. Deleting a missing pair is not an error.
func (e *Engine) Delete(index int) error {
	return e.withUpdate(func(txn *badger.Txn) error {
		if err := txn.Delete(dataKey(index)); err != nil {
			return err
		}
		return txn.Delete(profileKey(index))
	})
}

// ScanProfiles calls fn for every stored profile in index order. A non-nil
// error from fn stops the scan and is returned.
func (e *Engine) ScanProfiles(fn func(index int, profile []byte) error) error {
	return e.withView(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOptsPrefetchValues([]byte{prefixProfile}, 64))
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			index, ok := indexFromKey(item.Key())
			if !ok {
				e.log.Warn("skipping malformed profile key", zap.Binary("key", item.KeyCopy(nil)))
				continue
			}
			var profile []byte
			if err := item.Value(func(val []byte) error {
				profile = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return errors.Wrapf(err, "failed to read profile %d", index)
			}
			if err := fn(index, profile); err != nil {
				return err
			}
		}
		return nil
	})
}

// DataIndexes returns the index of every stored data record, including
// records whose profile is missing.
func (e *Engine) DataIndexes() ([]int, error) {
	var out []int
	err := e.withView(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOptsKeyOnly([]byte{prefixData}))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if index, ok := indexFromKey(it.Item().Key()); ok {
				out = append(out, index)
			}
		}
		return nil
	})
	return out, err
}

// DropAll deletes every record pair.
func (e *Engine) DropAll() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.DropAll()
}

// Backup streams a consistent snapshot of the engine to w.
func (e *Engine) Backup(w io.Writer) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if _, err := e.db.Backup(w, 0); err != nil {
		return errors.Wrap(err, "backup failed")
	}
	return nil
}

// Restore loads a snapshot produced by Backup. The engine should be empty.
func (e *Engine) Restore(r io.Reader) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if err := e.db.Load(r, 16); err != nil {
		return errors.Wrap(err, "restore failed")
	}
	return nil
}

// Sync forces buffered writes to disk. It is a no-op in memory.
func (e *Engine) Sync() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if e.inMemory {
		return nil
	}
	if err := e.db.Sync(); err != nil {
		return errors.Wrap(err, "sync failed")
	}
	return nil
}

// RunGC runs one value-log garbage collection pass. It returns nil when
// there was nothing to collect.
func (e *Engine) RunGC() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if e.inMemory {
		return nil
	}
	err := e.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the engine. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}
