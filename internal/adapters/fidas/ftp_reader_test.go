package fidas

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/citiesair/fidas-uplink/internal/ports"
)

type fakeState struct {
	lastTS  time.Time
	nextSeq uint64
	setErr  error
}

func (f *fakeState) LastTimestamp() (time.Time, error) { return f.lastTS, nil }
func (f *fakeState) SetLastTimestamp(ts time.Time) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lastTS = ts
	return nil
}
func (f *fakeState) NextSeq() (uint64, error) {
	if f.nextSeq == 0 {
		return 1, nil
	}
	return f.nextSeq, nil
}
func (f *fakeState) SetNextSeq(seq uint64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.nextSeq = seq
	return nil
}

func newBufferedReader(t *testing.T, st *fakeState, rows ...row) *Reader {
	t.Helper()
	r, err := NewReader(Config{Host: "fidas.local", SensorID: "fidas-1", UTCOffsetHours: 4}, st)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	for _, rw := range rows {
		if !r.buf.push(rw) {
			t.Fatalf("buffer full while seeding")
		}
	}
	return r
}

func TestReadAssignsSequenceAndPersistsResume(t *testing.T) {
	st := &fakeState{}
	ts := time.Date(2025, 11, 26, 9, 45, 0, 0, tz4())
	r := newBufferedReader(t, st,
		row{ts: ts, values: map[string]float64{"PM2.5": 12.4}},
		row{ts: ts.Add(time.Minute), values: map[string]float64{"PM2.5": 12.6}},
	)

	m1, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if m1.Seq != 1 || m1.SensorID != "fidas-1" || !m1.Timestamp.Equal(ts) {
		t.Fatalf("unexpected first measurement: %+v", m1)
	}
	if st.nextSeq != 2 {
		t.Fatalf("sequence counter not persisted: %d", st.nextSeq)
	}
	if !st.lastTS.Equal(ts) {
		t.Fatalf("resume point not persisted: %s", st.lastTS)
	}

	m2, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if m2.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", m2.Seq)
	}
	if !st.lastTS.Equal(ts.Add(time.Minute)) {
		t.Fatalf("resume point did not advance: %s", st.lastTS)
	}
}

func TestReadResumesFromPersistedSequence(t *testing.T) {
	st := &fakeState{nextSeq: 42, lastTS: time.Date(2025, 11, 25, 0, 0, 0, 0, time.UTC)}
	r := newBufferedReader(t, st,
		row{ts: time.Date(2025, 11, 26, 9, 45, 0, 0, tz4()), values: map[string]float64{"PM2.5": 12.4}},
	)

	m, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Seq != 42 {
		t.Fatalf("expected resumed seq 42, got %d", m.Seq)
	}
}

func TestReadPersistFailureDoesNotEmit(t *testing.T) {
	st := &fakeState{setErr: errors.New("disk gone")}
	r := newBufferedReader(t, st,
		row{ts: time.Date(2025, 11, 26, 9, 45, 0, 0, tz4()), values: map[string]float64{"PM2.5": 12.4}},
	)

	if _, err := r.Read(context.Background()); err == nil {
		t.Fatalf("expected error when resume state cannot be persisted")
	}
}

func TestReadReportsProtocolIncidentOnce(t *testing.T) {
	st := &fakeState{}
	r := newBufferedReader(t, st)
	r.protoErr = &ports.ProtocolError{File: "DUSTMONITOR_1234_2025_11.txt", Err: errors.New("missing column PM10")}

	_, err := r.emit()
	var perr *ports.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}

	// The incident is reported once; afterwards the empty buffer reads as
	// transiently unavailable.
	if _, err := r.emit(); !errors.Is(err, ports.ErrTransientUnavailable) {
		t.Fatalf("expected ErrTransientUnavailable after incident reported, got %v", err)
	}
}

func TestSelectExportsOrderAndFilter(t *testing.T) {
	base := time.Date(2025, 11, 26, 0, 0, 0, 0, time.UTC)
	entries := []*ftp.Entry{
		{Name: "DUSTMONITOR_1234_2025_12.txt", Type: ftp.EntryTypeFile, Time: base.Add(2 * time.Hour)},
		{Name: "DUSTMONITOR_1234_2025_10.txt", Type: ftp.EntryTypeFile, Time: base.Add(-time.Hour)},
		{Name: "readme.pdf", Type: ftp.EntryTypeFile, Time: base.Add(3 * time.Hour)},
		{Name: "notes.txt", Type: ftp.EntryTypeFile, Time: base.Add(3 * time.Hour)},
		{Name: "exports", Type: ftp.EntryTypeFolder, Time: base.Add(4 * time.Hour)},
		{Name: "dustmonitor_1234_2025_11B.TXT", Type: ftp.EntryTypeFile, Time: base.Add(time.Hour)},
		{Name: "dustmonitor_1234_2025_11A.TXT", Type: ftp.EntryTypeFile, Time: base.Add(time.Hour)},
	}

	got := selectExports(entries, base)
	want := []string{"dustmonitor_1234_2025_11A.TXT", "dustmonitor_1234_2025_11B.TXT", "DUSTMONITOR_1234_2025_12.txt"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSelectExportsZeroCutoffTakesEverything(t *testing.T) {
	entries := []*ftp.Entry{
		{Name: "DUSTMONITOR_1_2020_01.txt", Type: ftp.EntryTypeFile, Time: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	if got := selectExports(entries, time.Time{}); len(got) != 1 {
		t.Fatalf("zero cutoff must not filter, got %v", got)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Port != 21 || cfg.BufferCap != 10_000 || cfg.DialTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing host")
	}
	cfg.Host = "fidas.local"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing sensor_id")
	}
	cfg.SensorID = "fidas-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
