package mvcc

import (
	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/pkg/bx"
)

// Entry layout inside a data item: [xmin:8][xmax:8][data]
const (
	offXmin = 0
	offXmax = 8
	offData = 16
)

func wrapEntry(xid uint64, data []byte) []byte {
	return bx.Concat(bx.U64Bytes(xid), bx.U64Bytes(0), data)
}

// Entry is one record version. It keeps its data item referenced until the
// entry itself is dropped from the cache.
type Entry struct {
	uid  uint64
	item *dataitem.DataItem
}

func (e *Entry) UID() uint64 { return e.uid }

func (e *Entry) Version() Version {
	e.item.RLock()
	defer e.item.RUnlock()
	d := e.item.Data()
	return Version{Xmin: bx.U64At(d, offXmin), Xmax: bx.U64At(d, offXmax)}
}

func (e *Entry) Xmax() uint64 { return e.Version().Xmax }

// Data returns a copy of the record payload.
func (e *Entry) Data() []byte {
	e.item.RLock()
	defer e.item.RUnlock()
	d := e.item.Data()
	out := make([]byte, len(d)-offData)
	copy(out, d[offData:])
	return out
}

// setXmax marks the entry deleted by xid and logs the change under xid.
func (e *Entry) setXmax(xid uint64) error {
	e.item.Before()
	bx.PutU64At(e.item.Data(), offXmax, xid)
	return e.item.After(xid)
}
