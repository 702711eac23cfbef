package dataitem

import (
	"sync"

	"github.com/tuannm99/novacore/internal/storage"
	"github.com/tuannm99/novacore/pkg/bx"
)

// Item layout inside an ordinary page: [valid:1][size:2][data:size]
const (
	offValid = 0
	offSize  = 1
	offData  = 3

	flagValid   byte = 0
	flagInvalid byte = 1
)

// Wrap returns the on-page form of data.
func Wrap(data []byte) []byte {
	raw := make([]byte, offData+len(data))
	raw[offValid] = flagValid
	bx.PutU16At(raw, offSize, uint16(len(data)))
	copy(raw[offData:], data)
	return raw
}

func setInvalid(raw []byte) { raw[offValid] = flagInvalid }

// UID packs a page number and an in-page offset.
func UID(pgno uint32, off uint16) uint64 { return uint64(pgno)<<32 | uint64(off) }

func splitUID(uid uint64) (uint32, uint16) { return uint32(uid >> 32), uint16(uid) }

// DataItem is a byte range inside a cached page. While referenced it keeps
// its page pinned; mutate it only between Before and After (or UnBefore).
type DataItem struct {
	rw  sync.RWMutex
	raw []byte // view into the page buffer
	old []byte
	uid uint64
	pg  *storage.Page
	dm  *Manager
}

func (d *DataItem) UID() uint64 { return d.uid }

func (d *DataItem) valid() bool { return d.raw[offValid] == flagValid }

// Data is a view of the payload, not a copy.
func (d *DataItem) Data() []byte { return d.raw[offData:] }

// Before takes the write lock and saves the current image for undo.
func (d *DataItem) Before() {
	d.rw.Lock()
	d.pg.SetDirty(true)
	copy(d.old, d.raw)
}

// UnBefore restores the saved image and drops the write lock.
func (d *DataItem) UnBefore() {
	copy(d.raw, d.old)
	d.rw.Unlock()
}

// After logs the change made since Before on behalf of xid and drops the
// write lock.
func (d *DataItem) After(xid uint64) error {
	defer d.rw.Unlock()
	return d.dm.logUpdate(xid, d)
}

func (d *DataItem) RLock()   { d.rw.RLock() }
func (d *DataItem) RUnlock() { d.rw.RUnlock() }

func (d *DataItem) Release() error { return d.dm.release(d) }
