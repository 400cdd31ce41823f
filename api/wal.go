package api

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"mindspace-board/domain"
)

// Record layout: length (4) | crc32c of payload (4) | offset (8) | payload.
const (
	walHeaderSize  = 16
	walBufferSize  = 64 * 1024
	checkpointName = "checkpoint"
	segmentGlob    = "segment-*.wal"
)

var (
	errWALClosed = errors.New("wal closed")
	walCRC       = crc32.MakeTable(crc32.Castagnoli)
)

type walConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

// walRecord is one batch of changes drained from a session engine. Offsets
// start at 1 and grow by one per record.
type walRecord struct {
	Offset      uint64          `json:"offset"`
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	Changes     []domain.Change `json:"changes"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempt     int             `json:"attempt"`
	LastErr     string          `json:"lastErr,omitempty"`

	size int64
}

func (r *walRecord) session() domain.Session {
	return domain.Session{WorkspaceID: r.WorkspaceID, UserID: r.UserID}
}

type walSegment struct {
	path   string
	first  uint64
	last   uint64
	size   int64
	file   *os.File
	writer *bufio.Writer
}

func (s *walSegment) close() {
	if s.writer != nil {
		_ = s.writer.Flush()
		s.writer = nil
	}
	_ = s.file.Close()
}

// wal is a segmented append-only log with a checkpoint file holding the
// highest delivered offset. Callers hold mu around every *Locked method.
type wal struct {
	cfg       walConfig
	mu        sync.Mutex
	segments  []*walSegment
	next      uint64
	committed uint64
	unsynced  int
	closed    bool
}

// openWAL loads every segment in cfg.dir and returns the records past the
// checkpoint. A torn or corrupt tail is truncated.
func openWAL(cfg walConfig) (*wal, []*walRecord, error) {
	if cfg.dir == "" {
		return nil, nil, errors.New("wal dir required")
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}
	if cfg.syncEvery <= 0 {
		cfg.syncEvery = 1
	}

	w := &wal{cfg: cfg}
	committed, err := readCheckpoint(filepath.Join(cfg.dir, checkpointName))
	if err != nil {
		return nil, nil, err
	}
	w.committed = committed
	w.next = committed + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, segmentGlob))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*walRecord
	for _, path := range paths {
		seg, records, err := loadSegment(path)
		if err != nil {
			w.closeSegments()
			return nil, nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
		w.segments = append(w.segments, seg)
		for _, rec := range records {
			w.next = max(w.next, rec.Offset+1)
			if rec.Offset > w.committed {
				pending = append(pending, rec)
			}
		}
	}

	if len(w.segments) == 0 {
		if err := w.rollLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		tail := w.segments[len(w.segments)-1]
		if _, err := tail.file.Seek(tail.size, io.SeekStart); err != nil {
			w.closeSegments()
			return nil, nil, err
		}
		tail.writer = bufio.NewWriterSize(tail.file, walBufferSize)
	}
	return w, pending, nil
}

func readCheckpoint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return v, nil
}

func loadSegment(path string) (*walSegment, []*walRecord, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	seg := &walSegment{path: path, file: f}
	reader := bufio.NewReaderSize(f, walBufferSize)
	var records []*walRecord
	hdr := make([]byte, walHeaderSize)
	for {
		rec, n, err := readRecord(reader, hdr)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTornRecord) {
			if err := f.Truncate(seg.size); err != nil {
				_ = f.Close()
				return nil, nil, err
			}
			break
		}
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		if len(records) == 0 {
			seg.first = rec.Offset
		}
		seg.last = rec.Offset
		seg.size += n
		records = append(records, rec)
	}
	return seg, records, nil
}

var errTornRecord = errors.New("torn wal record")

// readRecord returns io.EOF at a clean end and errTornRecord for a partial or
// corrupt record.
func readRecord(r io.Reader, hdr []byte) (*walRecord, int64, error) {
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	offset := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 {
		return nil, 0, errTornRecord
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}
	if crc32.Checksum(payload, walCRC) != sum {
		return nil, 0, errTornRecord
	}
	rec := &walRecord{}
	if err := sonic.Unmarshal(payload, rec); err != nil {
		return nil, 0, err
	}
	if rec.Offset != offset {
		return nil, 0, fmt.Errorf("wal offset mismatch: header=%d payload=%d", offset, rec.Offset)
	}
	rec.size = walHeaderSize + int64(length)
	return rec, rec.size, nil
}

// rollLocked closes the tail segment and starts a new one at the next offset.
func (w *wal) rollLocked() error {
	if w.closed {
		return errWALClosed
	}
	if n := len(w.segments); n > 0 {
		tail := w.segments[n-1]
		if err := tail.writer.Flush(); err != nil {
			return err
		}
		if err := tail.file.Sync(); err != nil {
			return err
		}
		tail.close()
	}
	path := filepath.Join(w.cfg.dir, fmt.Sprintf("segment-%020d.wal", w.next))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, &walSegment{
		path:   path,
		first:  w.next,
		last:   w.next - 1,
		file:   f,
		writer: bufio.NewWriterSize(f, walBufferSize),
	})
	return nil
}

// appendLocked assigns the next offset to rec and writes it to the tail.
func (w *wal) appendLocked(rec *walRecord) error {
	if w.closed {
		return errWALClosed
	}
	if w.segments[len(w.segments)-1].size >= w.cfg.segmentBytes {
		if err := w.rollLocked(); err != nil {
			return err
		}
	}
	tail := w.segments[len(w.segments)-1]

	rec.Offset = w.next
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	hdr := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, walCRC))
	binary.LittleEndian.PutUint64(hdr[8:16], rec.Offset)
	if _, err := tail.writer.Write(hdr); err != nil {
		return err
	}
	if _, err := tail.writer.Write(payload); err != nil {
		return err
	}
	if err := tail.writer.Flush(); err != nil {
		return err
	}

	w.next++
	rec.size = int64(len(hdr) + len(payload))
	tail.size += rec.size
	tail.last = rec.Offset
	w.unsynced++
	return nil
}

// rollbackLocked removes rec, which must be the last appended record.
func (w *wal) rollbackLocked(rec *walRecord) error {
	tail := w.segments[len(w.segments)-1]
	if rec.Offset != tail.last || tail.size < rec.size {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, tail.last)
	}
	tail.size -= rec.size
	if err := tail.file.Truncate(tail.size); err != nil {
		return err
	}
	if _, err := tail.file.Seek(tail.size, io.SeekStart); err != nil {
		return err
	}
	tail.writer.Reset(tail.file)
	tail.last--
	w.next = rec.Offset
	return nil
}

func (w *wal) syncIfNeededLocked() error {
	if w.unsynced < w.cfg.syncEvery {
		return nil
	}
	return w.syncLocked()
}

func (w *wal) syncLocked() error {
	if w.closed {
		return errWALClosed
	}
	tail := w.segments[len(w.segments)-1]
	if err := tail.writer.Flush(); err != nil {
		return err
	}
	if err := tail.file.Sync(); err != nil {
		return err
	}
	w.unsynced = 0
	return nil
}

// commitLocked durably moves the checkpoint to offset and drops segments
// that only hold delivered records.
func (w *wal) commitLocked(offset uint64) error {
	if offset <= w.committed {
		return nil
	}
	path := filepath.Join(w.cfg.dir, checkpointName)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, []byte(strconv.FormatUint(offset, 10))); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := syncDir(w.cfg.dir); err != nil {
		return err
	}
	w.committed = offset
	w.pruneLocked()
	return nil
}

func (w *wal) pruneLocked() {
	for len(w.segments) > 1 && w.segments[0].last <= w.committed {
		seg := w.segments[0]
		seg.close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if w.cfg.logger != nil {
				w.cfg.logger.WithError(err).Warnf("failed to remove wal segment %s", seg.path)
			}
			return
		}
		w.segments = w.segments[1:]
	}
}

func (w *wal) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.closeSegments()
}

func (w *wal) closeSegments() {
	for _, seg := range w.segments {
		seg.close()
	}
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
