package mvcc

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/bufferpool"
	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/internal/lock"
	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/internal/txn"
	"github.com/tuannm99/novacore/pkg/logger"
)

var (
	ErrConcurrentUpdate = errors.New("mvcc: concurrent update")
	ErrNotVisible       = errors.New("mvcc: entry not visible")
	ErrUnknownTx        = errors.New("mvcc: unknown transaction")
	ErrBadEntry         = errors.New("mvcc: item is not an entry")
	// returned to a waiter whose transaction was aborted while it waited
	ErrTxAborted = errors.New("mvcc: transaction aborted")
)

const DefaultEntryCache = 1024

// Ledger issues xids and records their outcome.
type Ledger interface {
	txn.StatusOracle
	Begin() (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
}

// ItemStore is the data-item layer entries are stored in.
type ItemStore interface {
	Insert(xid uint64, data []byte) (uint64, error)
	Read(uid uint64) (*dataitem.DataItem, error)
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = logger.OrNop(l) } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithEntryCache(n int) Option { return func(m *Manager) { m.entryCache = n } }

// Manager runs transactions over versioned entries.
type Manager struct {
	ledger Ledger
	items  ItemStore
	locks  *lock.Table

	entryCache int
	entries    *bufferpool.Cache[uint64, *Entry]

	mu     sync.Mutex
	active map[uint64]*Transaction

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewManager(ledger Ledger, items ItemStore, locks *lock.Table, opts ...Option) *Manager {
	m := &Manager{
		ledger:     ledger,
		items:      items,
		locks:      locks,
		entryCache: DefaultEntryCache,
		active:     map[uint64]*Transaction{},
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	// the super transaction is always running
	m.active[txn.SuperXID] = NewTransaction(txn.SuperXID, ReadCommitted, nil)
	m.entries = bufferpool.New(m.entryCache, (*entrySource)(m),
		bufferpool.WithDropIdle(),
		bufferpool.WithLogger(m.log),
		bufferpool.WithMetrics(m.metrics.Cache("entries")))
	return m
}

// Begin starts a transaction at the given level.
func (m *Manager) Begin(level Level) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	xid, err := m.ledger.Begin()
	if err != nil {
		return 0, err
	}
	m.active[xid] = NewTransaction(xid, level, m.active)
	m.metrics.TxBegun()
	m.log.Debug("mvcc.begin", zap.Uint64("xid", xid), zap.Stringer("level", level))
	return xid, nil
}

// tx returns the live transaction for xid, or the error that aborted it.
func (m *Manager) tx(xid uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[xid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTx, xid)
	}
	if t.err != nil {
		return nil, t.err
	}
	return t, nil
}

func (m *Manager) entry(uid uint64) (*Entry, error) {
	e, err := m.entries.Get(uid)
	if errors.Is(err, dataitem.ErrInvalidItem) {
		return nil, ErrNotVisible
	}
	return e, err
}

func (m *Manager) release(e *Entry) {
	if err := m.entries.Release(e.uid); err != nil {
		m.log.Error("mvcc.release", zap.Uint64("uid", e.uid), zap.Error(err))
	}
}

// Read returns the payload of uid as seen by xid.
func (m *Manager) Read(xid, uid uint64) ([]byte, error) {
	t, err := m.tx(xid)
	if err != nil {
		return nil, err
	}
	e, err := m.entry(uid)
	if err != nil {
		return nil, err
	}
	defer m.release(e)

	if !IsVisible(m.ledger, t, e.Version()) {
		return nil, ErrNotVisible
	}
	return e.Data(), nil
}

// Insert stores a new entry created by xid.
func (m *Manager) Insert(xid uint64, data []byte) (uint64, error) {
	if _, err := m.tx(xid); err != nil {
		return 0, err
	}
	return m.items.Insert(xid, wrapEntry(xid, data))
}

// Delete marks uid deleted by xid, waiting for a concurrent writer first.
// It reports false when xid already deleted the entry. A deadlock or a
// version skip aborts xid and is returned as ErrConcurrentUpdate.
func (m *Manager) Delete(xid, uid uint64) (bool, error) {
	t, err := m.tx(xid)
	if err != nil {
		return false, err
	}
	e, err := m.entry(uid)
	if err != nil {
		return false, err
	}
	defer m.release(e)

	if !IsVisible(m.ledger, t, e.Version()) {
		return false, ErrNotVisible
	}

	wait, err := m.locks.Acquire(xid, uid)
	if err != nil {
		return false, m.autoAbort(t, fmt.Errorf("%w: %w", ErrConcurrentUpdate, err))
	}
	if wait != nil {
		<-wait
		if !m.locks.Holds(xid, uid) {
			return false, ErrTxAborted
		}
	}

	if e.Xmax() == xid {
		return false, nil
	}
	// a holder that committed its delete while we waited hides the entry
	if !IsVisible(m.ledger, t, e.Version()) {
		return false, ErrNotVisible
	}
	if IsVersionSkip(m.ledger, t, e.Version()) {
		return false, m.autoAbort(t, ErrConcurrentUpdate)
	}
	if err := e.setXmax(xid); err != nil {
		return false, err
	}
	return true, nil
}

// Commit makes xid's changes visible. A transaction aborted by the manager
// cannot commit; its error is returned instead.
func (m *Manager) Commit(xid uint64) error {
	if xid == txn.SuperXID {
		return nil
	}
	m.mu.Lock()
	t, ok := m.active[xid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTx, xid)
	}
	if t.err != nil {
		m.mu.Unlock()
		return t.err
	}
	delete(m.active, xid)
	m.mu.Unlock()

	// record the outcome before waking waiters, they check it
	err := m.ledger.Commit(xid)
	m.locks.ReleaseAll(xid)
	if err != nil {
		return err
	}
	m.metrics.TxCommitted()
	m.log.Debug("mvcc.commit", zap.Uint64("xid", xid))
	return nil
}

// Abort rolls xid back. Aborting a transaction the manager already aborted
// only forgets it.
func (m *Manager) Abort(xid uint64) error {
	if xid == txn.SuperXID {
		return nil
	}
	m.mu.Lock()
	t, ok := m.active[xid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTx, xid)
	}
	delete(m.active, xid)
	m.mu.Unlock()

	if t.autoAborted {
		return nil
	}
	return m.rollback(xid)
}

// autoAbort aborts t but keeps it registered, so later calls see cause.
func (m *Manager) autoAbort(t *Transaction, cause error) error {
	m.mu.Lock()
	t.err = cause
	t.autoAborted = true
	m.mu.Unlock()

	m.log.Info("mvcc.auto_abort", zap.Uint64("xid", t.XID), zap.Error(cause))
	if err := m.rollback(t.XID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Manager) rollback(xid uint64) error {
	err := m.ledger.Abort(xid)
	m.locks.ReleaseAll(xid)
	if err != nil {
		return err
	}
	m.metrics.TxAborted()
	m.log.Debug("mvcc.abort", zap.Uint64("xid", xid))
	return nil
}

// Active is the number of registered transactions, including those the
// manager aborted and the caller has not yet acknowledged.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) - 1
}

// Close drops every cached entry.
func (m *Manager) Close() error {
	return m.entries.Close()
}

type entrySource Manager

func (src *entrySource) Load(uid uint64) (*Entry, error) {
	item, err := src.items.Read(uid)
	if err != nil {
		return nil, err
	}
	if len(item.Data()) < offData {
		return nil, errors.Join(fmt.Errorf("%w: uid %d", ErrBadEntry, uid), item.Release())
	}
	return &Entry{uid: uid, item: item}, nil
}

func (src *entrySource) Evict(_ uint64, e *Entry) error {
	return e.item.Release()
}
