// Package postgres stores warehouse collections as JSONB documents in
// PostgreSQL tables, one table per collection inside a dedicated schema.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// New wraps an open pool. The schema must already hold the warehouse tables
// (see the migrate command).
func New(pool *pgxpool.Pool, schema string) (*Store, error) {
	if err := store.ValidateName(schema); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &Store{pool: pool, schema: schema}, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{q: s.pool, schema: s.schema, name: name}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Driver() string { return store.DriverPostgres }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for health reporting.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

type collection struct {
	q      queryable
	schema string
	name   string
}

func (c *collection) Name() string { return c.name }

func (c *collection) table() (string, error) {
	if err := store.ValidateName(c.name); err != nil {
		return "", err
	}
	return c.schema + "." + c.name, nil
}

// containment renders a filter as a JSONB document for the @> operator. An
// empty filter renders as {} which contains every document.
func containment(f store.Filter) (string, error) {
	if err := store.ValidateFilter(f); err != nil {
		return "", err
	}
	if f == nil {
		f = store.Filter{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode filter: %w", err)
	}
	return string(b), nil
}

func (c *collection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	table, err := c.table()
	if err != nil {
		return nil, err
	}
	cond, err := containment(filter)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = c.q.QueryRow(ctx,
		`SELECT doc FROM `+table+` WHERE doc @> $1::jsonb ORDER BY created_at, id LIMIT 1`, cond,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", c.name, err)
	}
	return decode(raw)
}

func (c *collection) Find(ctx context.Context, filter store.Filter, limit, offset int) ([]store.Document, error) {
	table, err := c.table()
	if err != nil {
		return nil, err
	}
	cond, err := containment(filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT doc FROM ` + table + ` WHERE doc @> $1::jsonb ORDER BY created_at, id OFFSET $2`
	args := []interface{}{cond, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.name, err)
		}
		d, err := decode(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c.name, err)
	}
	return docs, nil
}

func (c *collection) InsertOne(ctx context.Context, doc store.Document) error {
	table, err := c.table()
	if err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = c.q.Exec(ctx,
		`INSERT INTO `+table+` (id, doc) VALUES ($1, $2::jsonb)`, uuid.New(), string(b))
	if err != nil {
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return nil
}

// InsertIfAbsent guards against documents written by InsertOne (NOT EXISTS on
// the key field) and against concurrent InsertIfAbsent callers (unique
// dedup_key), in a single statement.
func (c *collection) InsertIfAbsent(ctx context.Context, keyField string, doc store.Document) (bool, error) {
	table, err := c.table()
	if err != nil {
		return false, err
	}
	dedup, err := store.DedupKey(keyField, doc)
	if err != nil {
		return false, err
	}
	cond, err := containment(store.Filter{keyField: doc[keyField]})
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	tag, err := c.q.Exec(ctx, `
		INSERT INTO `+table+` (id, dedup_key, doc)
		SELECT $1::uuid, $2::text, $3::jsonb
		WHERE NOT EXISTS (SELECT 1 FROM `+table+` WHERE doc @> $4::jsonb)
		ON CONFLICT (dedup_key) DO NOTHING`,
		uuid.New(), dedup, string(b), cond)
	if err != nil {
		return false, fmt.Errorf("insert if absent into %s: %w", c.name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *collection) CountDocuments(ctx context.Context, filter store.Filter) (int64, error) {
	table, err := c.table()
	if err != nil {
		return 0, err
	}
	cond, err := containment(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE doc @> $1::jsonb`, cond).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func decode(raw []byte) (store.Document, error) {
	var d store.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}
