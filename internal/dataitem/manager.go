// Package dataitem stores variable-length items inside ordinary pages and
// logs every change to the write-ahead log so a crash can be repaired.
package dataitem

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/bufferpool"
	"github.com/tuannm99/novacore/internal/freespace"
	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/internal/storage"
	"github.com/tuannm99/novacore/internal/wal"
	"github.com/tuannm99/novacore/pkg/bx"
	"github.com/tuannm99/novacore/pkg/logger"
)

var (
	ErrDataTooLarge = errors.New("dataitem: data too large for a page")
	ErrBusy         = errors.New("dataitem: no page with enough free space")
	ErrInvalidItem  = errors.New("dataitem: item was undone")
)

const (
	DefaultItemCache = 1024

	pageOne = 1
	// new pages allocated per insert before giving up
	selectRetries = 5
)

// TxStatus is the part of the transaction ledger recovery needs.
type TxStatus interface {
	IsActive(xid uint64) bool
	Abort(xid uint64) error
}

type Option func(*options)

type options struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	itemCache int
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithItemCache bounds the number of items referenced at once.
func WithItemCache(n int) Option { return func(o *options) { o.itemCache = n } }

// Manager owns the page file, its log and the free-space index.
type Manager struct {
	store *storage.PageStore
	wal   *wal.Log
	free  *freespace.Index
	items *bufferpool.Cache[uint64, *DataItem]
	one   *storage.Page

	log *zap.Logger
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), itemCache: DefaultItemCache}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newManager(store *storage.PageStore, w *wal.Log, o options) *Manager {
	dm := &Manager{
		store: store,
		wal:   w,
		free:  freespace.New(),
		log:   o.log,
	}
	dm.items = bufferpool.New(o.itemCache, (*itemSource)(dm),
		bufferpool.WithDropIdle(),
		bufferpool.WithLogger(o.log),
		bufferpool.WithMetrics(o.metrics.Cache("items")))
	return dm
}

// Create makes <path>.db and <path>.log.
func Create(path string, capacityBytes int64, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)

	store, err := storage.Create(path+storage.Suffix, capacityBytes,
		storage.WithLogger(o.log), storage.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	w, err := wal.Create(path+wal.Suffix, wal.WithLogger(o.log), wal.WithMetrics(o.metrics))
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	dm := newManager(store, w, o)
	if _, err := store.NewPage(storage.InitPageOne()); err != nil {
		return nil, errors.Join(err, dm.closeFiles())
	}
	if dm.one, err = store.GetPage(pageOne); err != nil {
		return nil, errors.Join(err, dm.closeFiles())
	}
	return dm, nil
}

// Open opens existing files, repairing them first if the previous run did
// not close cleanly.
func Open(path string, capacityBytes int64, ledger TxStatus, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)

	store, err := storage.Open(path+storage.Suffix, capacityBytes,
		storage.WithLogger(o.log), storage.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(path+wal.Suffix, wal.WithLogger(o.log), wal.WithMetrics(o.metrics))
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	dm := newManager(store, w, o)
	if dm.one, err = store.GetPage(pageOne); err != nil {
		return nil, errors.Join(err, dm.closeFiles())
	}

	if !storage.CheckMarker(dm.one) {
		dm.log.Warn("dataitem.unclean_shutdown", zap.String("path", path))
		if err := Recover(store, w, ledger, dm.log); err != nil {
			return nil, errors.Join(fmt.Errorf("dataitem: recover: %w", err), dm.closeFiles())
		}
	}

	if err := dm.fillFreeSpace(); err != nil {
		return nil, errors.Join(err, dm.closeFiles())
	}

	storage.SetOpenMarker(dm.one)
	if err := store.FlushPage(dm.one); err != nil {
		return nil, errors.Join(err, dm.closeFiles())
	}
	return dm, nil
}

func (dm *Manager) fillFreeSpace() error {
	for pgno := uint32(2); pgno <= dm.store.PageCount(); pgno++ {
		pg, err := dm.store.GetPage(pgno)
		if err != nil {
			return err
		}
		dm.free.Add(pgno, storage.FreeSpace(pg))
		if err := pg.Release(); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores data on behalf of xid and returns its uid.
func (dm *Manager) Insert(xid uint64, data []byte) (uint64, error) {
	raw := Wrap(data)
	if len(raw) > storage.MaxFreeSpace {
		return 0, ErrDataTooLarge
	}

	var (
		pi freespace.PageInfo
		ok bool
	)
	for range selectRetries {
		if pi, ok = dm.free.Select(len(raw)); ok {
			break
		}
		pgno, err := dm.store.NewPage(storage.InitPageX())
		if err != nil {
			return 0, err
		}
		dm.free.Add(pgno, storage.MaxFreeSpace)
	}
	if !ok {
		return 0, ErrBusy
	}

	pg, err := dm.store.GetPage(pi.Pgno)
	if err != nil {
		dm.free.Add(pi.Pgno, 0)
		return 0, err
	}
	defer func() {
		dm.free.Add(pi.Pgno, storage.FreeSpace(pg))
		_ = pg.Release()
	}()

	rec := insertRecord(xid, pi.Pgno, storage.FreeOffset(pg), raw)
	if err := dm.wal.Append(rec); err != nil {
		return 0, err
	}
	off, err := storage.InsertRaw(pg, raw)
	if err != nil {
		return 0, err
	}
	return UID(pi.Pgno, off), nil
}

// Read returns the item at uid. The caller must Release it.
func (dm *Manager) Read(uid uint64) (*DataItem, error) {
	d, err := dm.items.Get(uid)
	if err != nil {
		return nil, err
	}
	if !d.valid() {
		return nil, errors.Join(ErrInvalidItem, d.Release())
	}
	return d, nil
}

func (dm *Manager) release(d *DataItem) error {
	return dm.items.Release(d.uid)
}

func (dm *Manager) logUpdate(xid uint64, d *DataItem) error {
	return dm.wal.Append(updateRecord(xid, d.uid, d.old, d.raw))
}

// Close drops every item, marks a clean shutdown and closes both files.
func (dm *Manager) Close() error {
	err := dm.items.Close()
	storage.SetCloseMarker(dm.one)
	return errors.Join(err, dm.closeFiles())
}

func (dm *Manager) closeFiles() error {
	var err error
	if dm.one != nil {
		err = dm.one.Release()
		dm.one = nil
	}
	return errors.Join(err, dm.wal.Close(), dm.store.Close())
}

// itemSource resolves uids to items; an item pins its page until dropped.
type itemSource Manager

func (src *itemSource) Load(uid uint64) (*DataItem, error) {
	dm := (*Manager)(src)
	pgno, off := splitUID(uid)
	pg, err := dm.store.GetPage(pgno)
	if err != nil {
		return nil, err
	}
	data := pg.Data()
	if int(off)+offData > len(data) {
		_ = pg.Release()
		return nil, fmt.Errorf("%w: uid %d", ErrInvalidItem, uid)
	}
	size := int(bx.U16At(data, int(off)+offSize))
	end := int(off) + offData + size
	if end > len(data) {
		_ = pg.Release()
		return nil, fmt.Errorf("%w: uid %d", ErrInvalidItem, uid)
	}
	return &DataItem{
		raw: data[off:end:end],
		old: make([]byte, end-int(off)),
		uid: uid,
		pg:  pg,
		dm:  dm,
	}, nil
}

func (src *itemSource) Evict(_ uint64, d *DataItem) error {
	return d.pg.Release()
}
