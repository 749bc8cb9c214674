package freehp

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists the address -> last-seen-timestamp mapping across
// restarts, so a manager keeps refusing re-admission of an address seen
// within blockTime even after a deploy. Only the address and timestamp are
// persisted; counters (good/bad/fail) always start fresh, matching
// freehp's own ProxyDb, which never stored them either.
type Store interface {
	Find(addr string) (timestamp int64, ok bool, err error)
	Update(addr string, timestamp int64) error
	Close() error
}

// memStore is the default, in-process Store: no persistence, used when no
// db_file is configured.
type memStore struct {
	data map[string]int64
}

// NewMemStore returns a Store that keeps everything in memory and forgets
// it on restart.
func NewMemStore() Store {
	return &memStore{data: make(map[string]int64)}
}

func (s *memStore) Find(addr string) (int64, bool, error) {
	ts, ok := s.data[addr]
	return ts, ok, nil
}

func (s *memStore) Update(addr string, timestamp int64) error {
	s.data[addr] = timestamp
	return nil
}

func (s *memStore) Close() error { return nil }

// sqliteStore persists addr/timestamp pairs in a single-table SQLite
// database, replacing rows in place on every update.
type sqliteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and prepares the given table for address/timestamp storage.
func NewSQLiteStore(path, table string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, fmt.Errorf("freehp: creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("freehp: opening db %q: %w", path, err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		addr TEXT NOT NULL PRIMARY KEY,
		timestamp INTEGER DEFAULT 0
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("freehp: creating table %q: %w", table, err)
	}

	return &sqliteStore{db: db, table: table}, nil
}

func (s *sqliteStore) Find(addr string) (int64, bool, error) {
	row := s.db.QueryRow(fmt.Sprintf("SELECT timestamp FROM %s WHERE addr = ?", s.table), addr)
	var ts int64
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return ts, true, nil
}

func (s *sqliteStore) Update(addr string, timestamp int64) error {
	_, err := s.db.Exec(
		fmt.Sprintf("REPLACE INTO %s (addr, timestamp) VALUES (?, ?)", s.table),
		addr, timestamp,
	)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
