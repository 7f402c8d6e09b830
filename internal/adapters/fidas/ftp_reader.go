package fidas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// Config captures the runtime details required to reach the FTP drop where
// the Fidas instrument exports its text files.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	HomeDir        string        `yaml:"home_dir"`
	SensorID       string        `yaml:"sensor_id"`
	UTCOffsetHours int           `yaml:"utc_offset_hours"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	BufferCap      int           `yaml:"buffer_cap"`
}

func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 21
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.BufferCap <= 0 {
		c.BufferCap = 10_000
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.SensorID == "" {
		return errors.New("sensor_id is required")
	}
	return nil
}

// ResumeState persists the reader's position across restarts: the newest row
// already handed to the pipeline and the sequence counter.
type ResumeState interface {
	LastTimestamp() (time.Time, error)
	SetLastTimestamp(time.Time) error
	NextSeq() (uint64, error)
	SetNextSeq(uint64) error
}

// Reader pulls new rows from the Fidas FTP export and hands them out one
// measurement per Read call. Parsed rows wait in a bounded in-memory buffer;
// a row's departure from the buffer advances the persisted resume point, so
// a restart re-fetches only rows that were never handed to the pipeline.
type Reader struct {
	cfg   Config
	state ResumeState
	loc   *time.Location

	buf       *rowBuffer
	nextSeq   uint64
	lastStamp time.Time
	protoErr  error // first protocol incident of the last refill, reported once
}

func NewReader(cfg Config, state ResumeState) (*Reader, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lastStamp, err := state.LastTimestamp()
	if err != nil {
		return nil, err
	}
	nextSeq, err := state.NextSeq()
	if err != nil {
		return nil, err
	}

	loc := time.FixedZone("", cfg.UTCOffsetHours*3600)
	return &Reader{
		cfg:   cfg,
		state: state,
		loc:   loc,
		buf:   newRowBuffer(cfg.BufferCap),
		// the state store keeps wall-clock fields only; pin them to the
		// instrument's zone before comparing row times
		lastStamp: rebase(lastStamp, loc),
		nextSeq:   nextSeq,
	}, nil
}

// Read returns the next buffered row, refilling the buffer from FTP when
// empty. With no new data it returns ErrTransientUnavailable.
func (r *Reader) Read(ctx context.Context) (domain.Measurement, error) {
	if r.buf.len() == 0 {
		if err := r.refill(ctx); err != nil {
			return domain.Measurement{}, err
		}
	}
	return r.emit()
}

// emit hands out the next buffered row, persisting the resume point before
// the row leaves the reader. An empty buffer surfaces the pending protocol
// incident once, then reads as transiently unavailable.
func (r *Reader) emit() (domain.Measurement, error) {
	next, ok := r.buf.pop()
	if !ok {
		if perr := r.protoErr; perr != nil {
			r.protoErr = nil
			return domain.Measurement{}, perr
		}
		return domain.Measurement{}, ports.ErrTransientUnavailable
	}

	seq := r.nextSeq
	if err := r.state.SetNextSeq(seq + 1); err != nil {
		return domain.Measurement{}, fmt.Errorf("persist sequence counter: %w", err)
	}
	if err := r.state.SetLastTimestamp(next.ts); err != nil {
		return domain.Measurement{}, fmt.Errorf("persist resume timestamp: %w", err)
	}
	r.nextSeq = seq + 1
	r.lastStamp = next.ts

	return domain.Measurement{
		SensorID:  r.cfg.SensorID,
		Timestamp: next.ts,
		Seq:       seq,
		Values:    next.values,
	}, nil
}

func (r *Reader) Close() error { return nil }

// refill opens an FTP session, selects export files modified after the
// resume point, and parses their new rows into the buffer. Connectivity
// problems surface as ErrTransientUnavailable; malformed files are recorded
// as a protocol incident and the remaining files still get processed.
func (r *Reader) refill(ctx context.Context) error {
	conn, err := ftp.Dial(
		fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port),
		ftp.DialWithTimeout(r.cfg.DialTimeout),
		ftp.DialWithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: ftp dial: %v", ports.ErrTransientUnavailable, err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			conn.Logout()
		}
	}()

	if err := conn.Login(r.cfg.Username, r.cfg.Password); err != nil {
		return fmt.Errorf("%w: ftp login: %v", ports.ErrTransientUnavailable, err)
	}
	if r.cfg.HomeDir != "" {
		// Some servers chroot the account; staying in the default
		// directory is fine then.
		_ = conn.ChangeDir(r.cfg.HomeDir)
	}

	entries, err := conn.List("")
	if err != nil {
		return fmt.Errorf("%w: ftp list: %v", ports.ErrTransientUnavailable, err)
	}

	files := selectExports(entries, rebase(r.lastStamp, time.UTC))
	r.protoErr = nil

	for _, name := range files {
		if r.buf.full() {
			break
		}
		if err := r.fetchFile(conn, name); err != nil {
			if r.protoErr == nil {
				r.protoErr = err
			}
			continue
		}
	}
	return nil
}

func (r *Reader) fetchFile(conn *ftp.ServerConn, name string) error {
	resp, err := conn.Retr(name)
	if err != nil {
		return fmt.Errorf("%w: ftp retr %s: %v", ports.ErrTransientUnavailable, name, err)
	}
	defer resp.Close()

	res, err := parseExport(resp, r.loc, r.lastStamp)
	if err != nil && !errors.Is(err, io.EOF) {
		return &ports.ProtocolError{File: name, Err: err}
	}
	if res.skipped > 0 && r.protoErr == nil {
		r.protoErr = &ports.ProtocolError{
			File: name,
			Err:  fmt.Errorf("%d malformed rows skipped", res.skipped),
		}
	}

	sort.Slice(res.rows, func(i, j int) bool { return res.rows[i].ts.Before(res.rows[j].ts) })
	for _, row := range res.rows {
		if !r.buf.push(row) {
			break
		}
	}
	return nil
}

// exportPrefix names the monthly export files the instrument writes,
// e.g. DUSTMONITOR_1234_2025_11.txt.
const exportPrefix = "DUSTMONITOR"

// selectExports returns export entries modified after the cutoff, oldest
// first, names breaking ties, for a deterministic processing order.
func selectExports(entries []*ftp.Entry, cutoff time.Time) []string {
	type candidate struct {
		name  string
		mtime time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		name := strings.ToUpper(e.Name)
		if !strings.HasPrefix(name, exportPrefix) || !strings.HasSuffix(name, ".TXT") {
			continue
		}
		if !cutoff.IsZero() && !e.Time.After(cutoff) {
			continue
		}
		cands = append(cands, candidate{name: e.Name, mtime: e.Time})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].mtime.Equal(cands[j].mtime) {
			return cands[i].mtime.Before(cands[j].mtime)
		}
		return cands[i].name < cands[j].name
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// rebase reinterprets the wall-clock fields of t in loc, for comparing
// instrument-local row times against FTP mtimes reported in UTC.
func rebase(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

var _ ports.InstrumentReader = (*Reader)(nil)
