// Package sqlite stores warehouse collections as JSON documents in a single
// SQLite file using the pure Go driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

// Store is a store.Store backed by one SQLite database file.
type Store struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	created map[string]bool
}

// Open creates the parent directory if needed and opens the database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "dicom_dw.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, path: path, created: make(map[string]bool)}, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{s: s, name: name}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Driver() string { return store.DriverSQLite }

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// ensureTable creates the collection table on first use.
func (s *Store) ensureTable(ctx context.Context, name string) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[name] {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+name+` (
		id TEXT PRIMARY KEY,
		dedup_key TEXT UNIQUE,
		doc TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create %s table: %w", name, err)
	}
	s.created[name] = true
	return nil
}

type collection struct {
	s    *Store
	name string
}

func (c *collection) Name() string { return c.name }

// where renders a filter as a conjunction of json_extract comparisons. Field
// names are validated before they are interpolated into the JSON path.
func where(f store.Filter) (string, []any, error) {
	if err := store.ValidateFilter(f); err != nil {
		return "", nil, err
	}
	if len(f) == 0 {
		return "1=1", nil, nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		parts []string
		args  []any
	)
	for _, k := range keys {
		v := f[k]
		expr := fmt.Sprintf("json_extract(doc, '$.%s')", k)
		if v == nil {
			parts = append(parts, expr+" IS NULL")
			continue
		}
		parts = append(parts, expr+" = ?")
		args = append(args, bindValue(v))
	}
	return strings.Join(parts, " AND "), args, nil
}

// bindValue converts a filter value into a type SQLite compares the same way
// json_extract reports it.
func bindValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return v
}

func (c *collection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	docs, err := c.Find(ctx, filter, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (c *collection) Find(ctx context.Context, filter store.Filter, limit, offset int) ([]store.Document, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return nil, err
	}
	cond, args, err := where(filter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)
	rows, err := c.s.db.QueryContext(ctx,
		`SELECT doc FROM `+c.name+` WHERE `+cond+` ORDER BY rowid LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []store.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.name, err)
		}
		var d store.Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c.name, err)
	}
	return docs, nil
}

func (c *collection) InsertOne(ctx context.Context, doc store.Document) error {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if _, err := c.s.db.ExecContext(ctx,
		`INSERT INTO `+c.name+` (id, doc, created_at) VALUES (?, ?, ?)`,
		uuid.NewString(), string(b), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return nil
}

func (c *collection) InsertIfAbsent(ctx context.Context, keyField string, doc store.Document) (bool, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return false, err
	}
	dedup, err := store.DedupKey(keyField, doc)
	if err != nil {
		return false, err
	}
	cond, condArgs, err := where(store.Filter{keyField: doc[keyField]})
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	args := []any{uuid.NewString(), dedup, string(b), time.Now().UTC().Format(time.RFC3339Nano)}
	args = append(args, condArgs...)
	res, err := c.s.db.ExecContext(ctx, `
		INSERT INTO `+c.name+` (id, dedup_key, doc, created_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM `+c.name+` WHERE `+cond+`)
		ON CONFLICT (dedup_key) DO NOTHING`, args...)
	if err != nil {
		return false, fmt.Errorf("insert if absent into %s: %w", c.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (c *collection) CountDocuments(ctx context.Context, filter store.Filter) (int64, error) {
	if err := c.s.ensureTable(ctx, c.name); err != nil {
		return 0, err
	}
	cond, args, err := where(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+c.name+` WHERE `+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}
