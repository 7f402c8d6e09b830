package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// timestampLayout is the on-disk encoding of last_timestamp, kept compatible
// with the original uploader's metadata table.
const timestampLayout = "20060102150405"

// Store tracks the reader's resume point across restarts in a sqlite meta
// table: the newest instrument row already handed to the pipeline and the
// next sequence number to assign.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := NewWithDB(db)
	if err := s.setup(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) setup() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	)`)
	return err
}

// LastTimestamp returns the persisted resume point, or the zero time when
// none has been recorded yet.
func (s *Store) LastTimestamp() (time.Time, error) {
	val, err := s.get("last_timestamp")
	if err != nil || val == "" {
		return time.Time{}, err
	}
	ts, err := time.Parse(timestampLayout, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("state: invalid last_timestamp %q: %w", val, err)
	}
	return ts, nil
}

func (s *Store) SetLastTimestamp(ts time.Time) error {
	return s.set("last_timestamp", ts.Format(timestampLayout))
}

// NextSeq returns the next sequence number to assign, starting at 1.
func (s *Store) NextSeq() (uint64, error) {
	val, err := s.get("next_seq")
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 1, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state: invalid next_seq %q: %w", val, err)
	}
	return u, nil
}

func (s *Store) SetNextSeq(seq uint64) error {
	return s.set("next_seq", strconv.FormatUint(seq, 10))
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) get(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}
