package tree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS tree_entries (
  path       TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore persists the tree in a single sqlite file. The same disjoint-row
// invariant as MemoryStore holds; writes below a stored document explode it
// first. One writer at a time keeps change notifications in commit order.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
	keys  *keyGen
	bcast *broadcaster
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
		bcast: newBroadcaster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.keys = newKeyGen(s.nowFn)

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.bcast.closeAll(ErrClosed)
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current := 0
	hasVersion := true
	if err := tx.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		hasVersion = false
	}
	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		switch v {
		case 1:
			if _, err := tx.ExecContext(ctx, sqliteSchemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if hasVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_migrations SET version = ?;`, sqliteSchemaVersion); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, sqliteSchemaVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.db, path)
}

func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return s.Delete(ctx, path)
	}
	return s.write(ctx, path, raw, false)
}

func (s *SQLiteStore) Create(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return fmt.Errorf("create with null value")
	}
	return s.write(ctx, path, raw, true)
}

func (s *SQLiteStore) write(ctx context.Context, path string, raw json.RawMessage, mustBeAbsent bool) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot write the root", ErrInvalidPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if mustBeAbsent {
			existing, err := s.get(ctx, tx, path)
			if err != nil {
				return err
			}
			if existing != nil {
				return ErrExists
			}
		}
		return s.setTx(ctx, tx, path, raw)
	})
	if err != nil {
		return err
	}
	s.publishLocked(ctx, path, raw)
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot update the root", ErrInvalidPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var merged json.RawMessage
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, path)
		if err != nil {
			return err
		}
		merged, err = mergeFields(current, fields)
		if err != nil {
			return err
		}
		return s.setTx(ctx, tx, path, merged)
	})
	if err != nil {
		return err
	}
	s.publishLocked(ctx, path, merged)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.explodeCoveringTx(ctx, tx, path); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path = ?;`, path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path LIKE ? ESCAPE '\';`, likePrefix(path))
		return err
	})
	if err != nil {
		return err
	}
	s.publishLocked(ctx, path, nil)
	return nil
}

func (s *SQLiteStore) Push(ctx context.Context, collection string, value any) (string, error) {
	collection, err := CleanPath(collection)
	if err != nil {
		return "", err
	}
	if collection == "" {
		return "", fmt.Errorf("%w: push requires a collection path", ErrInvalidPath)
	}
	key := s.keys.next()
	if err := s.Set(ctx, collection+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.get(ctx, s.db, path)
	if err != nil {
		return nil, err
	}
	sub := s.bcast.subscribe(path, snapshot)
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (s *SQLiteStore) publishLocked(ctx context.Context, path string, data json.RawMessage) {
	s.bcast.publish(path, data, func(p string) json.RawMessage {
		v, _ := s.get(ctx, s.db, p)
		return v
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) get(ctx context.Context, q querier, path string) (json.RawMessage, error) {
	if path != "" {
		var value string
		err := q.QueryRowContext(ctx, `SELECT value FROM tree_entries WHERE path = ?;`, path).Scan(&value)
		if err == nil {
			return json.RawMessage(value), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		anc, doc, err := s.ancestor(ctx, q, path)
		if err != nil {
			return nil, err
		}
		if anc != "" {
			return descend(doc, strings.TrimPrefix(path, anc+"/")), nil
		}
	}

	query := `SELECT path, value FROM tree_entries WHERE path LIKE ? ESCAPE '\';`
	arg := likePrefix(path)
	if path == "" {
		query = `SELECT path, value FROM tree_entries;`
	}
	var rows *sql.Rows
	var err error
	if path == "" {
		rows, err = q.QueryContext(ctx, query)
	} else {
		rows, err = q.QueryContext(ctx, query, arg)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sub := map[string]json.RawMessage{}
	for rows.Next() {
		var p, value string
		if err := rows.Scan(&p, &value); err != nil {
			return nil, err
		}
		sub[p] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assemble(path, sub), nil
}

func (s *SQLiteStore) ancestor(ctx context.Context, q querier, path string) (string, json.RawMessage, error) {
	for anc := parentPath(path); anc != ""; anc = parentPath(anc) {
		var value string
		err := q.QueryRowContext(ctx, `SELECT value FROM tree_entries WHERE path = ?;`, anc).Scan(&value)
		if err == nil {
			return anc, json.RawMessage(value), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", nil, err
		}
	}
	return "", nil, nil
}

func (s *SQLiteStore) setTx(ctx context.Context, tx *sql.Tx, path string, raw json.RawMessage) error {
	if err := s.explodeCoveringTx(ctx, tx, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path LIKE ? ESCAPE '\';`, likePrefix(path)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tree_entries (path, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		path, string(raw), s.nowFn().Unix())
	return err
}

func (s *SQLiteStore) explodeCoveringTx(ctx context.Context, tx *sql.Tx, path string) error {
	for {
		anc, doc, err := s.ancestor(ctx, tx, path)
		if err != nil {
			return err
		}
		if anc == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path = ?;`, anc); err != nil {
			return err
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil
		}
		now := s.nowFn().Unix()
		for k, v := range obj {
			if isJSONNull(v) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tree_entries (path, value, updated_at) VALUES (?, ?, ?);`,
				anc+"/"+k, string(v), now); err != nil {
				return err
			}
		}
	}
}

// likePrefix escapes a path for a LIKE 'path/%' prefix match.
func likePrefix(path string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(path)
	return esc + "/%"
}
