// Package engine wires the storage and transaction layers into one handle.
// Every piece of state hangs off the Engine, so several engines can be open
// in one process.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/btree"
	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/internal/lock"
	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/internal/mvcc"
	"github.com/tuannm99/novacore/internal/storage"
	"github.com/tuannm99/novacore/internal/txn"
	"github.com/tuannm99/novacore/pkg/logger"
)

const (
	DefaultCacheBytes          int64 = 4096 * storage.PageSize
	DefaultItemCache                 = dataitem.DefaultItemCache
	DefaultEntryCache                = mvcc.DefaultEntryCache
	DefaultStatusCacheCounters       = txn.DefaultStatusCacheCounters
	DefaultStatusCacheCost           = txn.DefaultStatusCacheCost
)

var ErrClosed = errors.New("engine: closed")

type Options struct {
	Dir  string
	Name string

	CacheBytes          int64
	ItemCache           int
	EntryCache          int
	StatusCacheCounters int64
	StatusCacheCost     int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = "novacore"
	}
	if o.CacheBytes <= 0 {
		o.CacheBytes = DefaultCacheBytes
	}
	if o.ItemCache <= 0 {
		o.ItemCache = DefaultItemCache
	}
	if o.EntryCache <= 0 {
		o.EntryCache = DefaultEntryCache
	}
	if o.StatusCacheCounters <= 0 {
		o.StatusCacheCounters = DefaultStatusCacheCounters
	}
	if o.StatusCacheCost <= 0 {
		o.StatusCacheCost = DefaultStatusCacheCost
	}
	o.Logger = logger.OrNop(o.Logger)
}

// base is the path every file of the engine shares: <dir>/<name>.{db,log,xid}
func (o *Options) base() string { return filepath.Join(o.Dir, o.Name) }

type Engine struct {
	runID uuid.UUID
	opts  Options

	ledger *txn.Ledger
	items  *dataitem.Manager
	locks  *lock.Table
	vm     *mvcc.Manager

	mu      sync.Mutex
	indexes []*btree.Tree
	closed  bool

	log *zap.Logger
}

// Create lays out a new engine in opts.Dir. It fails if the files exist.
func Create(opts Options) (*Engine, error) {
	opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, storage.FileMode0755); err != nil {
		return nil, fmt.Errorf("engine: create dir: %w", err)
	}
	path := opts.base()

	ledger, err := txn.Create(path+txn.Suffix, ledgerOptions(opts)...)
	if err != nil {
		return nil, err
	}
	items, err := dataitem.Create(path, opts.CacheBytes, itemOptions(opts)...)
	if err != nil {
		return nil, errors.Join(err, ledger.Close())
	}
	return newEngine(opts, ledger, items, "engine.create"), nil
}

// Open reopens an existing engine, recovering it if it was not closed.
func Open(opts Options) (*Engine, error) {
	opts.withDefaults()
	path := opts.base()

	ledger, err := txn.Open(path+txn.Suffix, ledgerOptions(opts)...)
	if err != nil {
		return nil, err
	}
	items, err := dataitem.Open(path, opts.CacheBytes, ledger, itemOptions(opts)...)
	if err != nil {
		return nil, errors.Join(err, ledger.Close())
	}
	return newEngine(opts, ledger, items, "engine.open"), nil
}

func ledgerOptions(opts Options) []txn.Option {
	return []txn.Option{
		txn.WithLogger(opts.Logger),
		txn.WithStatusCache(opts.StatusCacheCounters, opts.StatusCacheCost),
	}
}

func itemOptions(opts Options) []dataitem.Option {
	return []dataitem.Option{
		dataitem.WithLogger(opts.Logger),
		dataitem.WithMetrics(opts.Metrics),
		dataitem.WithItemCache(opts.ItemCache),
	}
}

func newEngine(opts Options, ledger *txn.Ledger, items *dataitem.Manager, event string) *Engine {
	e := &Engine{
		runID:  uuid.New(),
		opts:   opts,
		ledger: ledger,
		items:  items,
		locks:  lock.New(lock.WithLogger(opts.Logger), lock.WithMetrics(opts.Metrics)),
	}
	e.log = opts.Logger.With(zap.String("run_id", e.runID.String()))
	e.vm = mvcc.NewManager(ledger, items, e.locks,
		mvcc.WithLogger(e.log),
		mvcc.WithMetrics(opts.Metrics),
		mvcc.WithEntryCache(opts.EntryCache))
	e.log.Info(event, zap.String("path", opts.base()), zap.Uint64("xids", ledger.Count()))
	return e
}

// RunID identifies this open of the engine in logs.
func (e *Engine) RunID() uuid.UUID { return e.runID }

func (e *Engine) Path() string { return e.opts.base() }

func (e *Engine) Begin(level mvcc.Level) (uint64, error) { return e.vm.Begin(level) }

func (e *Engine) Read(xid, uid uint64) ([]byte, error) { return e.vm.Read(xid, uid) }

func (e *Engine) Insert(xid uint64, data []byte) (uint64, error) { return e.vm.Insert(xid, data) }

func (e *Engine) Delete(xid, uid uint64) (bool, error) { return e.vm.Delete(xid, uid) }

func (e *Engine) Commit(xid uint64) error { return e.vm.Commit(xid) }

func (e *Engine) Abort(xid uint64) error { return e.vm.Abort(xid) }

// ActiveTransactions counts transactions not yet committed or aborted.
func (e *Engine) ActiveTransactions() int { return e.vm.Active() }

// CreateIndex makes an empty B+tree and returns its boot uid.
func (e *Engine) CreateIndex() (uint64, error) {
	boot, err := btree.Create(e.items)
	if err != nil {
		return 0, err
	}
	e.log.Info("engine.index_create", zap.Uint64("boot", boot))
	return boot, nil
}

// LoadIndex opens the tree at boot. The engine closes it on Close.
func (e *Engine) LoadIndex(boot uint64) (*btree.Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	for _, t := range e.indexes {
		if t.BootUID() == boot {
			return t, nil
		}
	}
	t, err := btree.Load(boot, e.items, btree.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	e.indexes = append(e.indexes, t)
	return t, nil
}

// Close releases every loaded index and cached entry, then marks the files
// cleanly closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, t := range e.indexes {
		errs = append(errs, t.Close())
	}
	e.indexes = nil
	errs = append(errs, e.vm.Close(), e.items.Close(), e.ledger.Close())
	if err := errors.Join(errs...); err != nil {
		e.log.Error("engine.close", zap.Error(err))
		return err
	}
	e.log.Info("engine.close")
	return nil
}
