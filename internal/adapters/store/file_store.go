package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

const recordHeaderLen = 12

// compactEvery bounds how many acknowledged records may accumulate in the
// log before the acknowledged prefix is rewritten away.
const compactEvery = 4096

// FileStore is an append-only log of measurements keyed by sequence number,
// plus a meta file holding the highest acknowledged sequence number. A crash
// mid-append leaves at most one torn trailing record, which is truncated on
// the next open; a crash mid-acknowledge leaves either the old or the new
// meta file, never a hybrid.
type FileStore struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	capacity  int
	pending   []uint64 // seqs > acked, ascending
	acked     uint64
	lastSeq   uint64
	sizeBytes int64
	ackedRecs int // acknowledged records still present in the log
	closed    bool
}

func NewFileStore(dir string, capacity int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		dir:      dir,
		path:     filepath.Join(dir, "store.log"),
		metaPath: filepath.Join(dir, "store.meta"),
		capacity: capacity,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.bootstrap(); err != nil {
		s.file.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 1<<16)
	return nil
}

func (s *FileStore) bootstrap() error {
	if err := s.loadAcked(); err != nil {
		return err
	}
	if err := s.scanExisting(); err != nil {
		return err
	}
	if s.lastSeq < s.acked {
		s.lastSeq = s.acked
	}
	if s.ackedRecs > 0 {
		if err := s.compactLocked(); err != nil {
			return err
		}
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting rebuilds the pending window from the log, truncating a torn
// trailing record left by a crash mid-append.
func (s *FileStore) scanExisting() error {
	stat, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("store scan header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if length > 0 {
			if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return fmt.Errorf("store scan body: %w", err)
			}
		}
		offset += recordHeaderLen + int64(length)

		if seq > s.acked {
			s.pending = append(s.pending, seq)
		} else {
			s.ackedRecs++
		}
		if seq > s.lastSeq {
			s.lastSeq = seq
		}
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	return nil
}

func (s *FileStore) loadAcked() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("store meta parse: %w", err)
	}
	s.acked = u
	return nil
}

// Append persists the measurement before returning. Sequence numbers must
// arrive in increasing order; the reader's counter guarantees that.
func (s *FileStore) Append(m domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sample store closed")
	}
	if s.capacity > 0 && len(s.pending) >= s.capacity {
		return ports.ErrStoreFull
	}
	if m.Seq <= s.lastSeq {
		return fmt.Errorf("store append: seq %d not after %d", m.Seq, s.lastSeq)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	// record format: [8 bytes seq][4 bytes len][len bytes json]
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], m.Seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(b); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}

	s.lastSeq = m.Seq
	s.pending = append(s.pending, m.Seq)
	s.sizeBytes += int64(len(b) + recordHeaderLen)
	return nil
}

// PeekBatch returns up to max of the oldest unacknowledged measurements in
// acquisition order. It never removes anything.
func (s *FileStore) PeekBatch(max int) ([]domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}
	if max <= 0 || max > len(s.pending) {
		max = len(s.pending)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	out := make([]domain.Measurement, 0, max)

	for len(out) < max {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("store peek header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("corrupt store record: %w", err)
		}
		if seq <= s.acked {
			continue
		}

		var m domain.Measurement
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("corrupt store record seq %d: %w", seq, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Acknowledge trims the pending window up to and including uptoSeq. Calling
// it again with the same bound is a no-op.
func (s *FileStore) Acknowledge(uptoSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uptoSeq <= s.acked {
		return nil
	}
	s.acked = uptoSeq
	for len(s.pending) > 0 && s.pending[0] <= uptoSeq {
		s.pending = s.pending[1:]
		s.ackedRecs++
	}
	if err := s.persistAckedLocked(); err != nil {
		return err
	}
	if s.ackedRecs >= compactEvery {
		return s.compactLocked()
	}
	return nil
}

func (s *FileStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastSeq reports the highest sequence number ever appended, the resume
// point for a reader reconstructing its counter.
func (s *FileStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// persistAckedLocked writes the meta file atomically: a crash leaves either
// the previous or the new acknowledge point. The temp file is synced before
// the rename so the rename can never outlive the data it points at.
func (s *FileStore) persistAckedLocked() error {
	tmp := s.metaPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", s.acked); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath)
}

// compactLocked rewrites the log keeping only unacknowledged records. The
// rewrite goes to a temp file renamed over the log, so a crash at any point
// leaves a readable log.
func (s *FileStore) compactLocked() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}

	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpPath := s.path + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(dst, 1<<16)
	r := bufio.NewReader(src)

	var kept int64
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			dst.Close()
			return fmt.Errorf("store compact header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			dst.Close()
			return fmt.Errorf("store compact body: %w", err)
		}
		if seq <= s.acked {
			continue
		}
		if _, err := w.Write(hdr[:]); err != nil {
			dst.Close()
			return err
		}
		if _, err := w.Write(b); err != nil {
			dst.Close()
			return err
		}
		kept += recordHeaderLen + int64(length)
	}

	if err := w.Flush(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	s.sizeBytes = kept
	s.ackedRecs = 0
	return nil
}

var _ ports.SampleStore = (*FileStore)(nil)
