package cache

import (
	"database/sql"
	"os"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

const memoryFilename = "file::memory:?cache=shared"

// SQLitePersister persists entries in a SQLite database file.
// The database is opened lazily, so that a cleared (deleted) file
// is recreated by the next Save.
type SQLitePersister struct {
	filename string
	db       *sql.DB
}

// NewSQLitePersister creates a persister using the given database file.
// The name "memory" (or an empty name) selects a shared in-memory database.
func NewSQLitePersister(filename string) *SQLitePersister {
	if filename == "" || filename == "memory" {
		filename = memoryFilename
	}
	return &SQLitePersister{filename: filename}
}

func (s *SQLitePersister) open() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.filename)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", s.filename)
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		bytes BLOB,
		stored_at INTEGER
	)`); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not create table in %s", s.filename)
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not set journal mode in %s", s.filename)
	}
	s.db = db
	return db, nil
}

func (s *SQLitePersister) Load() (map[string][]byte, error) {
	entries := make(map[string][]byte)
	if !s.inMemory() {
		if _, err := os.Stat(s.filename); os.IsNotExist(err) {
			return entries, nil
		}
	}
	db, err := s.open()
	if err != nil {
		return entries, err
	}
	rows, err := db.Query("SELECT key, bytes FROM cache")
	if err != nil {
		return entries, errors.Wrap(err, "could not query cache entries")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var bytes []byte
		if err := rows.Scan(&key, &bytes); err != nil {
			return map[string][]byte{}, errors.Wrap(err, "could not read cache entry")
		}
		entries[key] = bytes
	}
	if err := rows.Err(); err != nil {
		return map[string][]byte{}, errors.Wrap(err, "could not read cache entries")
	}
	return entries, nil
}

func (s *SQLitePersister) Save(key string, bytes []byte) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	_, err = db.Exec("INSERT OR REPLACE INTO cache (key, bytes, stored_at) VALUES (?, ?, ?)",
		key, bytes, time.Now().Unix())
	return errors.Wrapf(err, "could not save %s", key)
}

// Clear closes the database and removes its files.
// For in-memory databases the table is emptied instead.
func (s *SQLitePersister) Clear() error {
	if s.inMemory() {
		db, err := s.open()
		if err != nil {
			return err
		}
		_, err = db.Exec("DELETE FROM cache")
		return errors.Wrap(err, "could not clear cache table")
	}
	if err := s.Close(); err != nil {
		return err
	}
	for _, name := range []string{s.filename, s.filename + "-wal", s.filename + "-shm"} {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "could not remove %s", name)
		}
	}
	return nil
}

func (s *SQLitePersister) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrapf(err, "could not close %s", s.filename)
}

func (s *SQLitePersister) inMemory() bool {
	return s.filename == memoryFilename
}
