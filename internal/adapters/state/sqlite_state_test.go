package state

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewWithDB(db), mock
}

func TestLastTimestampRoundtrip(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT OR REPLACE INTO meta").
		WithArgs("last_timestamp", "20251126094500").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ts := time.Date(2025, 11, 26, 9, 45, 0, 0, time.UTC)
	if err := s.SetLastTimestamp(ts); err != nil {
		t.Fatalf("set: %v", err)
	}

	mock.ExpectQuery("SELECT value FROM meta").
		WithArgs("last_timestamp").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("20251126094500"))

	got, err := s.LastTimestamp()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(ts) {
		t.Fatalf("expected %s, got %s", ts, got)
	}
}

func TestLastTimestampEmptyMeansZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM meta").
		WithArgs("last_timestamp").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	got, err := s.LastTimestamp()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero time, got %s", got)
	}
}

func TestLastTimestampCorruptValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM meta").
		WithArgs("last_timestamp").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("not-a-timestamp"))

	if _, err := s.LastTimestamp(); err == nil {
		t.Fatalf("expected error for corrupt timestamp")
	}
}

func TestNextSeqDefaultsToOne(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM meta").
		WithArgs("next_seq").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	seq, err := s.NextSeq()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected default seq 1, got %d", seq)
	}
}

func TestNextSeqRoundtrip(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT OR REPLACE INTO meta").
		WithArgs("next_seq", "42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SetNextSeq(42); err != nil {
		t.Fatalf("set: %v", err)
	}

	mock.ExpectQuery("SELECT value FROM meta").
		WithArgs("next_seq").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("42"))

	seq, err := s.NextSeq()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected seq 42, got %d", seq)
	}
}
