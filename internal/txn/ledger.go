// Package txn issues transaction ids and records their final status.
package txn

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/tuannm99/novacore/pkg/bx"
	"github.com/tuannm99/novacore/pkg/logger"
)

// SuperXID runs outside MVCC: always committed, never in a snapshot. It is
// never issued by Begin.
const SuperXID uint64 = 0

const (
	Suffix = ".xid"

	// [counter:8][status:1]* with xid n at byte 8+n-1
	headerLen = 8

	DefaultStatusCacheCounters = 1 << 16
	DefaultStatusCacheCost     = 1 << 14
)

type Status byte

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrBadXIDFile    = errors.New("txn: bad xid file")
	ErrFileExists    = errors.New("txn: xid file already exists")
	ErrFileNotExists = errors.New("txn: xid file does not exist")
	ErrUnknownXID    = errors.New("txn: unknown xid")
)

// StatusOracle answers commit status for visibility checks.
type StatusOracle interface {
	IsCommitted(xid uint64) bool
}

type Option func(*options)

type options struct {
	log      *zap.Logger
	counters int64
	cost     int64
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = logger.OrNop(l) } }

// WithStatusCache sizes the cache of committed/aborted statuses.
func WithStatusCache(counters, cost int64) Option {
	return func(o *options) {
		if counters > 0 {
			o.counters = counters
		}
		if cost > 0 {
			o.cost = cost
		}
	}
}

// Ledger is the file-backed transaction status table. Final statuses never
// change, so they are served from a ristretto cache once seen.
type Ledger struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	counter uint64

	final *ristretto.Cache[uint64, Status]
	log   *zap.Logger
}

var _ StatusOracle = (*Ledger)(nil)

func newLedger(f *os.File, path string, opts []Option) (*Ledger, error) {
	o := options{
		log:      zap.NewNop(),
		counters: DefaultStatusCacheCounters,
		cost:     DefaultStatusCacheCost,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, Status]{
		NumCounters: o.counters,
		MaxCost:     o.cost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("txn: status cache: %w", err)
	}
	return &Ledger{f: f, path: path, final: cache, log: o.log}, nil
}

func Create(path string, opts ...Option) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, err
	}
	if _, err := f.WriteAt(make([]byte, headerLen), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	l, err := newLedger(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Open checks that the file length matches its counter.
func Open(path string, opts ...Option) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotExists, path)
		}
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() < headerLen {
		_ = f.Close()
		return nil, ErrBadXIDFile
	}
	hdr := make([]byte, headerLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	counter := bx.U64(hdr)
	if int64(headerLen+counter) != st.Size() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: counter %d, size %d", ErrBadXIDFile, counter, st.Size())
	}

	l, err := newLedger(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.counter = counter
	l.log.Info("txn.open", zap.String("path", path), zap.Uint64("xids", counter))
	return l, nil
}

func statusOffset(xid uint64) int64 { return int64(headerLen + xid - 1) }

// Begin issues a new xid in Active state.
func (l *Ledger) Begin() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	xid := l.counter + 1
	if _, err := l.f.WriteAt([]byte{byte(Active)}, statusOffset(xid)); err != nil {
		return 0, fmt.Errorf("txn: begin: %w", err)
	}
	if _, err := l.f.WriteAt(bx.U64Bytes(xid), 0); err != nil {
		return 0, fmt.Errorf("txn: begin: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("txn: begin: %w", err)
	}
	l.counter = xid
	return xid, nil
}

func (l *Ledger) Commit(xid uint64) error { return l.finish(xid, Committed) }

func (l *Ledger) Abort(xid uint64) error { return l.finish(xid, Aborted) }

func (l *Ledger) finish(xid uint64, s Status) error {
	if xid == SuperXID {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if xid > l.counter {
		return fmt.Errorf("%w: %d", ErrUnknownXID, xid)
	}
	if _, err := l.f.WriteAt([]byte{byte(s)}, statusOffset(xid)); err != nil {
		return fmt.Errorf("txn: set %s: %w", s, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("txn: set %s: %w", s, err)
	}
	l.final.Set(xid, s, 1)
	return nil
}

// Status reads the recorded status of xid.
func (l *Ledger) Status(xid uint64) (Status, error) {
	if xid == SuperXID {
		return Committed, nil
	}
	if s, ok := l.final.Get(xid); ok {
		return s, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if xid > l.counter {
		return 0, fmt.Errorf("%w: %d", ErrUnknownXID, xid)
	}
	var b [1]byte
	if _, err := l.f.ReadAt(b[:], statusOffset(xid)); err != nil {
		return 0, fmt.Errorf("txn: read status of %d: %w", xid, err)
	}
	s := Status(b[0])
	if s != Active {
		l.final.Set(xid, s, 1)
	}
	return s, nil
}

func (l *Ledger) is(xid uint64, want Status) bool {
	s, err := l.Status(xid)
	if err != nil {
		l.log.Error("txn.status", zap.Uint64("xid", xid), zap.Error(err))
		return false
	}
	return s == want
}

func (l *Ledger) IsActive(xid uint64) bool    { return l.is(xid, Active) }
func (l *Ledger) IsCommitted(xid uint64) bool { return l.is(xid, Committed) }
func (l *Ledger) IsAborted(xid uint64) bool   { return l.is(xid, Aborted) }

// Count is the number of xids issued so far.
func (l *Ledger) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.final.Close()
	err := l.f.Close()
	l.f = nil
	return err
}
