package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage stores partitions in a SQLite database.
// Entry order is the AUTOINCREMENT sequence; INSERT OR REPLACE deletes the
// conflicting row and inserts a new one, which moves an overwritten key to
// the newest position.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			UNIQUE (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := s.ensure(ctx, name); err != nil {
		return nil, StorageError(err, "open", name)
	}
	return &sqlitePartition{storage: s, name: name}, nil
}

func (s *SQLiteStorage) ensure(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	return err
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, StorageError(err, "has", name)
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, StorageError(err, "delete", name)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		tx.Rollback()
		return false, StorageError(err, "delete", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		tx.Rollback()
		return false, StorageError(err, "delete", name)
	}
	if err := tx.Commit(); err != nil {
		return false, StorageError(err, "delete", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, StorageError(err, "delete", name)
	}
	return rows > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY created_at, rowid")
	if err != nil {
		return nil, StorageError(err, "names", "")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, StorageError(err, "names", "")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	storage *SQLiteStorage
	name    string
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := p.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, StorageError(err, "match", p.name)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, entry Entry) error {
	// partitions are created lazily on first write
	if err := p.storage.ensure(ctx, p.name); err != nil {
		return StorageError(err, "put", p.name)
	}
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	_, err := p.storage.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		p.name, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes)
	if err != nil {
		return StorageError(err, "put", p.name)
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	result, err := p.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, StorageError(err, "delete", p.name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, StorageError(err, "delete", p.name)
	}
	return rows > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", p.name)
	if err != nil {
		return nil, StorageError(err, "keys", p.name)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, StorageError(err, "keys", p.name)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
