package banstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const banSchema = `
CREATE TABLE IF NOT EXISTS bans (
	addr       TEXT PRIMARY KEY,
	banned_by  TEXT NOT NULL,
	length     TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);`

// SQLite is a Store persisted to a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ban database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ban database: %w", err)
	}
	// The driver serializes writers; a single connection avoids SQLITE_BUSY
	// on concurrent bans.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(banSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ban schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Add(rec Record) error {
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	var expires int64
	if !rec.Expires.IsZero() {
		expires = rec.Expires.Unix()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO bans (addr, banned_by, length, reason, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Addr, rec.By, rec.Length, rec.Reason, rec.Created.Unix(), expires,
	)
	if err != nil {
		return fmt.Errorf("record ban for %s: %w", rec.Addr, err)
	}
	return nil
}

func (s *SQLite) Lookup(addr string) (Record, bool, error) {
	var (
		rec              Record
		created, expires int64
	)
	row := s.db.QueryRow(
		`SELECT addr, banned_by, length, reason, created_at, expires_at FROM bans WHERE addr = ?`, addr)
	err := row.Scan(&rec.Addr, &rec.By, &rec.Length, &rec.Reason, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("look up ban for %s: %w", addr, err)
	}
	rec.Created = time.Unix(created, 0)
	if expires != 0 {
		rec.Expires = time.Unix(expires, 0)
	}
	if rec.Expired(time.Now()) {
		if _, err := s.db.Exec(`DELETE FROM bans WHERE addr = ?`, addr); err != nil {
			return Record{}, false, fmt.Errorf("drop expired ban for %s: %w", addr, err)
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *SQLite) Remove(addr string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM bans WHERE addr = ?`, addr)
	if err != nil {
		return false, fmt.Errorf("remove ban for %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
