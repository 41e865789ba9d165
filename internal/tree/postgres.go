package tree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS tree_entries (
  path       TEXT PRIMARY KEY,
  value      JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// PostgresStore persists the tree in postgres. Change notifications are
// in-process only, same as the sqlite backend: the hub is the single writer.
type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
	keys  *keyGen
	bcast *broadcaster
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{
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

func (s *PostgresStore) Close() error {
	s.bcast.closeAll(ErrClosed)
	return s.db.Close()
}

func (s *PostgresStore) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.db, path)
}

func (s *PostgresStore) Set(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return s.Delete(ctx, path)
	}
	return s.write(ctx, path, raw, false)
}

func (s *PostgresStore) Create(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return fmt.Errorf("create with null value")
	}
	return s.write(ctx, path, raw, true)
}

func (s *PostgresStore) write(ctx context.Context, path string, raw json.RawMessage, mustBeAbsent bool) error {
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

func (s *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
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

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path = $1;`, path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path LIKE $1 ESCAPE '\';`, likePrefix(path))
		return err
	})
	if err != nil {
		return err
	}
	s.publishLocked(ctx, path, nil)
	return nil
}

func (s *PostgresStore) Push(ctx context.Context, collection string, value any) (string, error) {
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

func (s *PostgresStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
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

func (s *PostgresStore) publishLocked(ctx context.Context, path string, data json.RawMessage) {
	s.bcast.publish(path, data, func(p string) json.RawMessage {
		v, _ := s.get(ctx, s.db, p)
		return v
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func (s *PostgresStore) get(ctx context.Context, q querier, path string) (json.RawMessage, error) {
	if path != "" {
		var value string
		err := q.QueryRowContext(ctx, `SELECT value FROM tree_entries WHERE path = $1;`, path).Scan(&value)
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

	var rows *sql.Rows
	var err error
	if path == "" {
		rows, err = q.QueryContext(ctx, `SELECT path, value FROM tree_entries;`)
	} else {
		rows, err = q.QueryContext(ctx, `SELECT path, value FROM tree_entries WHERE path LIKE $1 ESCAPE '\';`, likePrefix(path))
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

func (s *PostgresStore) ancestor(ctx context.Context, q querier, path string) (string, json.RawMessage, error) {
	for anc := parentPath(path); anc != ""; anc = parentPath(anc) {
		var value string
		err := q.QueryRowContext(ctx, `SELECT value FROM tree_entries WHERE path = $1;`, anc).Scan(&value)
		if err == nil {
			return anc, json.RawMessage(value), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", nil, err
		}
	}
	return "", nil, nil
}

func (s *PostgresStore) setTx(ctx context.Context, tx *sql.Tx, path string, raw json.RawMessage) error {
	if err := s.explodeCoveringTx(ctx, tx, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path LIKE $1 ESCAPE '\';`, likePrefix(path)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tree_entries (path, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;`,
		path, string(raw), s.nowFn().UTC())
	return err
}

func (s *PostgresStore) explodeCoveringTx(ctx context.Context, tx *sql.Tx, path string) error {
	for {
		anc, doc, err := s.ancestor(ctx, tx, path)
		if err != nil {
			return err
		}
		if anc == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tree_entries WHERE path = $1;`, anc); err != nil {
			return err
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil
		}
		now := s.nowFn().UTC()
		for k, v := range obj {
			if isJSONNull(v) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tree_entries (path, value, updated_at) VALUES ($1, $2, $3);`,
				anc+"/"+k, string(v), now); err != nil {
				return err
			}
		}
	}
}
