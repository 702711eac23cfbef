package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/bx"
	"github.com/tuannm99/novacore/pkg/logger"
)

var (
	ErrBadLogFile    = errors.New("wal: bad log file")
	ErrFileExists    = errors.New("wal: log file already exists")
	ErrFileNotExists = errors.New("wal: log file does not exist")
	ErrClosed        = errors.New("wal: log is closed")
)

const (
	Suffix = ".log"

	seed uint32 = 13331

	// [XChecksum:4][Record]*
	offData = 4
	// Record: [size:4][checksum:4][payload:size]
	offSize     = 0
	offChecksum = 4
	recHeader   = 8
)

// Log is an append-only record file guarded by a running checksum.
//
// Append is safe for concurrent use. Next/Rewind form a single replay cursor
// meant for recovery.
type Log struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	size      int64
	xChecksum uint32
	pos       int64

	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Log)

func WithLogger(l *zap.Logger) Option { return func(w *Log) { w.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Log) { w.metrics = m } }

// Checksum folds b into acc.
func Checksum(acc uint32, b []byte) uint32 {
	for _, c := range b {
		acc = acc*seed + uint32(int8(c))
	}
	return acc
}

func newLog(f *os.File, path string, opts []Option) *Log {
	w := &Log{f: f, path: path, log: zap.NewNop()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Create makes a new empty log at path. It fails if the file exists.
func Create(path string, opts ...Option) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, err
	}

	if _, err := f.WriteAt(make([]byte, offData), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	w := newLog(f, path, opts)
	w.size = offData
	w.pos = offData
	w.log.Info("wal.create", zap.String("path", path))
	return w, nil
}

// Open validates an existing log and drops a torn tail left by a crash.
func Open(path string, opts ...Option) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotExists, path)
		}
		return nil, err
	}

	w := newLog(f, path, opts)
	if err := w.checkAndRemoveTail(); err != nil {
		_ = f.Close()
		return nil, err
	}
	w.log.Info("wal.open", zap.String("path", path), zap.Int64("size", w.size))
	return w, nil
}

func (w *Log) checkAndRemoveTail() error {
	st, err := w.f.Stat()
	if err != nil {
		return err
	}
	w.size = st.Size()
	if w.size < offData {
		return ErrBadLogFile
	}

	hdr := make([]byte, offData)
	if _, err := w.f.ReadAt(hdr, 0); err != nil {
		return err
	}
	stored := bx.U32(hdr)

	var xc, prevXC uint32
	pos, lastPos := int64(offData), int64(offData)
	for {
		rec, err := w.readRecord(pos)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		prevXC, lastPos = xc, pos
		xc = Checksum(xc, rec)
		pos += int64(len(rec))
	}

	// A crash inside Append leaves at most one record the header disagrees
	// with: either written but not yet covered, or covered but torn.
	switch {
	case xc == stored:
	case pos == w.size && pos > lastPos && prevXC == stored:
		pos, xc = lastPos, prevXC
	case pos < w.size && w.singleTail(pos):
	default:
		return fmt.Errorf("%w: checksum mismatch (stored %d, computed %d)", ErrBadLogFile, stored, xc)
	}

	if pos < w.size {
		w.log.Warn("wal.truncate_tail",
			zap.String("path", w.path),
			zap.Int64("valid_end", pos),
			zap.Int64("dropped", w.size-pos))
		if err := w.f.Truncate(pos); err != nil {
			return err
		}
		w.size = pos
	}

	if xc != stored {
		if err := w.writeXChecksum(xc); err != nil {
			return err
		}
	}
	w.xChecksum = xc
	w.pos = offData
	return nil
}

// singleTail reports whether the bytes from pos to EOF hold at most one
// record, complete or not.
func (w *Log) singleTail(pos int64) bool {
	if w.size-pos < recHeader {
		return true
	}
	var b [4]byte
	if _, err := w.f.ReadAt(b[:], pos+offSize); err != nil {
		return false
	}
	return pos+recHeader+int64(bx.U32(b[:])) >= w.size
}

// readRecord returns the whole record at pos or io.EOF if it is missing,
// overruns the file or fails its checksum.
func (w *Log) readRecord(pos int64) ([]byte, error) {
	if pos+recHeader > w.size {
		return nil, io.EOF
	}
	hdr := make([]byte, recHeader)
	if _, err := w.f.ReadAt(hdr, pos); err != nil {
		return nil, err
	}
	size := int64(bx.U32At(hdr, offSize))
	if pos+recHeader+size > w.size {
		return nil, io.EOF
	}

	rec := make([]byte, recHeader+size)
	if _, err := w.f.ReadAt(rec, pos); err != nil {
		return nil, err
	}
	if Checksum(0, rec[recHeader:]) != bx.U32At(rec, offChecksum) {
		return nil, io.EOF
	}
	return rec, nil
}

func (w *Log) writeXChecksum(xc uint32) error {
	if _, err := w.f.WriteAt(bx.U32Bytes(xc), 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func wrap(payload []byte) []byte {
	rec := make([]byte, recHeader+len(payload))
	bx.PutU32At(rec, offSize, uint32(len(payload)))
	bx.PutU32At(rec, offChecksum, Checksum(0, payload))
	copy(rec[recHeader:], payload)
	return rec
}

// Append writes payload as a new record and forces it durable together with
// the updated file checksum.
func (w *Log) Append(payload []byte) error {
	rec := wrap(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return ErrClosed
	}
	if _, err := w.f.WriteAt(rec, w.size); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	xc := Checksum(w.xChecksum, rec)
	if err := w.writeXChecksum(xc); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	w.xChecksum = xc
	w.size += int64(len(rec))
	w.metrics.WALAppend(len(payload))
	return nil
}

// Next returns the payload of the next record, or io.EOF at the end of the
// valid log.
func (w *Log) Next() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil, ErrClosed
	}
	rec, err := w.readRecord(w.pos)
	if err != nil {
		return nil, err
	}
	w.pos += int64(len(rec))
	return rec[recHeader:], nil
}

// Rewind moves the replay cursor back to the first record.
func (w *Log) Rewind() {
	w.mu.Lock()
	w.pos = offData
	w.mu.Unlock()
}

// Truncate cuts the log at pos, which must be a record boundary, and
// recomputes the file checksum over what remains.
func (w *Log) Truncate(pos int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return ErrClosed
	}
	if pos < offData || pos > w.size {
		return fmt.Errorf("wal: truncate position %d out of range", pos)
	}

	var xc uint32
	at := int64(offData)
	for at < pos {
		rec, err := w.readRecord(at)
		if err != nil {
			return fmt.Errorf("wal: truncate at %d: not a record boundary", pos)
		}
		xc = Checksum(xc, rec)
		at += int64(len(rec))
	}
	if at != pos {
		return fmt.Errorf("wal: truncate at %d: not a record boundary", pos)
	}

	if err := w.f.Truncate(pos); err != nil {
		return err
	}
	if err := w.writeXChecksum(xc); err != nil {
		return err
	}
	w.size = pos
	w.xChecksum = xc
	if w.pos > pos {
		w.pos = pos
	}
	return nil
}

// Size is the current file length in bytes.
func (w *Log) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Log) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	w.log.Info("wal.close", zap.String("path", w.path))
	return err
}
