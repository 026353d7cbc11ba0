// Package postgres implements cache.Storage on top of PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/always-cache/offline-cache/cache"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_tables.sql
	queryCreateTables string
	//go:embed insert_partition.sql
	queryInsertPartition string
	//go:embed upsert_entry.sql
	queryUpsertEntry string
	//go:embed fetch_entry.sql
	queryFetchEntry string
	//go:embed list_keys.sql
	queryListKeys string
)

// Storage keeps partitions in two tables. Entry order is a BIGSERIAL
// sequence that an overwrite advances, so a replaced key moves to the newest
// position.
type Storage struct {
	db *sql.DB
}

// New verifies the database connection and creates the tables if needed.
func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	if _, err := db.ExecContext(ctx, queryCreateTables); err != nil {
		return nil, cache.StorageError(err, "create tables", "")
	}
	return &Storage{db: db}, nil
}

// Open connects with the given DSN and calls New.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := s.ensure(ctx, name); err != nil {
		return nil, cache.StorageError(err, "open", name)
	}
	return &partition{db: s.db, storage: s, name: name}, nil
}

func (s *Storage) ensure(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, queryInsertPartition, name)
	return err
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM offline_partitions WHERE name = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, cache.StorageError(err, "has", name)
	}
	return exists, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM offline_entries WHERE partition = $1", name); err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM offline_partitions WHERE name = $1", name)
	if err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	if err := tx.Commit(); err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	return rows > 0, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM offline_partitions ORDER BY seq ASC")
	if err != nil {
		return nil, cache.StorageError(err, "names", "")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, cache.StorageError(err, "names", "")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Storage) Close() error {
	return s.db.Close()
}

type partition struct {
	db      *sql.DB
	storage *Storage
	name    string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, key string) (cache.Entry, bool, error) {
	entry := cache.Entry{Key: key}
	var storedAt time.Time
	err := p.db.QueryRowContext(ctx, queryFetchEntry, p.name, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, cache.StorageError(err, "match", p.name)
	}
	entry.StoredAt = storedAt
	return entry, true, nil
}

func (p *partition) Put(ctx context.Context, entry cache.Entry) error {
	if err := p.storage.ensure(ctx, p.name); err != nil {
		return cache.StorageError(err, "put", p.name)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	if _, err := p.db.ExecContext(ctx, queryUpsertEntry, p.name, entry.Key, storedAt.UTC(), entry.Bytes); err != nil {
		return cache.StorageError(err, "put", p.name)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, key string) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		"DELETE FROM offline_entries WHERE partition = $1 AND key = $2", p.name, key)
	if err != nil {
		return false, cache.StorageError(err, "delete", p.name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, cache.StorageError(err, "delete", p.name)
	}
	return rows > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, queryListKeys, p.name)
	if err != nil {
		return nil, cache.StorageError(err, "keys", p.name)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, cache.StorageError(err, "keys", p.name)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
