// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-totpm.
//
// go-totpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sqlite implements the secret store on a SQLite database file
// using the pure-Go WASM driver (no cgo).
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // sqlite WASM binary

	"github.com/jeremyhahn/go-totpm/pkg/storage"
)

// Store is a SQLite-backed secret store. A single non-pooled connection
// serializes writers; immediate transactions hold the write lock for the
// whole put/delete so readers never observe a partial record.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open creates or opens the secrets database at path. The parent directory
// is created with mode 0700 when missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("sqlite: creating data directory: %w", err)
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=synchronous(normal)"
	connector, err := (&driver.SQLite{}).OpenConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS secrets
			( id          INTEGER PRIMARY KEY AUTOINCREMENT
			, service     TEXT NOT NULL
			, account     TEXT NOT NULL
			, digits      INTEGER NOT NULL DEFAULT 6
			, period      INTEGER NOT NULL DEFAULT 30
			, sealed_seed BLOB NOT NULL
			, UNIQUE (service, account)
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: creating schema: %w", err)
		}
	}
	return nil
}

// Put inserts a record inside one immediate transaction. The duplicate
// check and the insert share the write lock, so a concurrent Put of the
// same pair cannot slip between them.
func (s *Store) Put(rec storage.Record) (storage.Record, error) {
	if err := rec.Validate(); err != nil {
		return storage.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Record{}, storage.ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM secrets WHERE service = ?1 AND account = ?2)`,
		rec.Service, rec.Account,
	).Scan(&exists)
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: duplicate check: %w", err)
	}
	if exists {
		return storage.Record{}, storage.ErrDuplicateEntry
	}

	res, err := tx.Exec(
		`INSERT INTO secrets (service, account, digits, period, sealed_seed)
		 VALUES (?1, ?2, ?3, ?4, ?5)`,
		rec.Service, rec.Account, rec.Digits, rec.Period, rec.SealedSeed,
	)
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: commit: %w", err)
	}

	rec.ID = id
	return rec, nil
}

// Get returns the record for (service, account).
func (s *Store) Get(service, account string) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Record{}, storage.ErrClosed
	}

	var rec storage.Record
	err := s.db.QueryRow(
		`SELECT id, service, account, digits, period, sealed_seed
		 FROM secrets WHERE service = ?1 AND account = ?2`,
		service, account,
	).Scan(&rec.ID, &rec.Service, &rec.Account, &rec.Digits, &rec.Period, &rec.SealedSeed)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: select: %w", err)
	}
	return rec, nil
}

// Delete removes the record for (service, account).
func (s *Store) Delete(service, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	res, err := s.db.Exec(
		`DELETE FROM secrets WHERE service = ?1 AND account = ?2`,
		service, account,
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns records ordered by service then account, optionally
// filtered by substring match on service and account.
func (s *Store) List(serviceFilter, accountFilter string) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT id, service, account, digits, period, sealed_seed
		 FROM secrets
		 WHERE service LIKE '%' || ?1 || '%' AND account LIKE '%' || ?2 || '%'
		 ORDER BY service, account`,
		serviceFilter, accountFilter,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var recs []storage.Record
	for rows.Next() {
		var rec storage.Record
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.Account, &rec.Digits, &rec.Period, &rec.SealedSeed); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	return recs, nil
}

// Wipe closes the database and removes its file plus the WAL sidecars.
// Safe to call on an already wiped store.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("sqlite: close before wipe: %w", err)
		}
		s.closed = true
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sqlite: removing %s: %w", p, err)
		}
	}
	return nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Verify interface compliance at compile time
var _ storage.Store = (*Store)(nil)
