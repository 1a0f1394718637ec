// Package sqlindex provides a matcher that keeps its own persistent
// population in SQLite.
//
// The matcher claims the instance types subsumed by a configured set of
// root types. Because its index survives restarts it declares
// RebuildOnStartup() == false, and the store leaves it untouched during
// reload. Stored rows hold the rendered instance document; at match time
// each row is regenerated against the live schema before testing, so an
// index written under an older schema still answers correctly.
package sqlindex

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/logging"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/serial"
	"github.com/orneryd/framestore/pkg/subsume"
)

// InMemory is the Path that keeps the index in memory.
const InMemory = ":memory:"

const createTable = `
CREATE TABLE IF NOT EXISTS instances (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL UNIQUE,
	type_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_type ON instances(type_id);
`

// Options configures a Matcher.
type Options struct {
	// Path is the SQLite database file, or InMemory.
	Path string

	// Types are the root types claimed; every subtype is claimed too.
	Types []frame.TypeID

	// Schema is the live schema used for claiming, type filtering and
	// regenerating stored rows.
	Schema regen.Schema

	Logger *zap.Logger
}

// Matcher is a SQLite-backed matcher.
type Matcher struct {
	db     *sql.DB
	mu     sync.Mutex
	schema regen.Schema
	roots  []frame.TypeID
	tester subsume.Tester
	log    *zap.Logger
}

// Open opens (or creates) the index described by opts.
func Open(opts Options) (*Matcher, error) {
	if opts.Schema == nil {
		return nil, errors.New("sqlindex: schema is required")
	}
	path := opts.Path
	if path == "" {
		path = InMemory
	}
	if path != InMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create index directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index database")
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create index table")
	}

	logger := logging.OrNop(opts.Logger).Named("sqlindex")
	logger.Info("sql index opened", zap.String("path", path), zap.Int("root_types", len(opts.Types)))

	return &Matcher{
		db:     db,
		schema: opts.Schema,
		roots:  append([]frame.TypeID(nil), opts.Types...),
		tester: subsume.Tester{Types: opts.Schema},
		log:    logger,
	}, nil
}

// Close closes the database.
func (m *Matcher) Close() error {
	return m.db.Close()
}

// HandlesType claims t when one of the configured root types subsumes it.
func (m *Matcher) HandlesType(t frame.TypeID) bool {
	for _, r := range m.roots {
		if r == t || m.schema.Subsumes(r, t) {
			return true
		}
	}
	return false
}

// RebuildOnStartup is false: the index is persistent.
func (m *Matcher) RebuildOnStartup() bool { return false }

// Add stores instance under id, replacing any previous row. The replaced
// row moves to the end of the match order.
func (m *Matcher) Add(instance *frame.Graph, id frame.Identity) error {
	data, err := serial.Encode(instance)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin index transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM instances WHERE identity = ?`, string(id)); err != nil {
		return errors.Wrapf(err, "failed to replace %s", id)
	}
	if _, err := tx.Exec(`INSERT INTO instances (identity, type_id, doc) VALUES (?, ?, ?)`,
		string(id), string(instance.RootType()), string(data)); err != nil {
		return errors.Wrapf(err, "failed to index %s", id)
	}
	return tx.Commit()
}

// Remove deletes the row for id.
func (m *Matcher) Remove(id frame.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.Exec(`DELETE FROM instances WHERE identity = ?`, string(id)); err != nil {
		return errors.Wrapf(err, "failed to remove %s", id)
	}
	return nil
}

// Rename moves the row for from to to.
func (m *Matcher) Rename(from, to frame.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.Exec(`UPDATE instances SET identity = ? WHERE identity = ?`, string(to), string(from)); err != nil {
		return errors.Wrapf(err, "failed to rename %s", from)
	}
	return nil
}

// Identities returns every indexed identity in match order.
func (m *Matcher) Identities() ([]frame.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT identity FROM instances ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list index")
	}
	defer rows.Close()

	var out []frame.Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, frame.Identity(id))
	}
	return out, rows.Err()
}

// Match regenerates every row whose root type the query's root type
// subsumes and tests the query against it. Rows that no longer regenerate
// are skipped with a warning.
func (m *Matcher) Match(query *frame.Graph) ([]frame.Identity, error) {
	return m.MatchContext(context.Background(), query)
}

// MatchContext is Match with cancellation of the row scan.
func (m *Matcher) MatchContext(ctx context.Context, query *frame.Graph) ([]frame.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rootType := query.RootType()
	rows, err := m.db.QueryContext(ctx, `SELECT identity, type_id, doc FROM instances ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan index")
	}
	defer rows.Close()

	var out []frame.Identity
	for rows.Next() {
		var id, typeID, doc string
		if err := rows.Scan(&id, &typeID, &doc); err != nil {
			return nil, errors.Wrap(err, "failed to read index row")
		}
		if t := frame.TypeID(typeID); t != rootType && !m.schema.Subsumes(rootType, t) {
			continue
		}
		candidate, ok := m.hydrate(frame.Identity(id), doc)
		if !ok {
			continue
		}
		if m.tester.Match(query, candidate) {
			out = append(out, frame.Identity(id))
		}
	}
	return out, rows.Err()
}

func (m *Matcher) hydrate(id frame.Identity, data string) (*frame.Graph, bool) {
	doc, err := serial.Decode([]byte(data))
	if err != nil {
		m.log.Warn("skipping unreadable index row", zap.String("identity", string(id)), zap.Error(err))
		return nil, false
	}
	res := regen.Regenerate(id, doc, m.schema)
	if !res.Usable() {
		m.log.Warn("skipping invalid index row",
			zap.String("identity", string(id)),
			zap.String("type", string(res.RootTypeID)))
		return nil, false
	}
	return res.Root, true
}

// Matches tests query against one instance.
func (m *Matcher) Matches(query, instance *frame.Graph) (bool, error) {
	return m.tester.Match(query, instance), nil
}
