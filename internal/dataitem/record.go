package dataitem

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novacore/pkg/bx"
)

var ErrBadRecord = errors.New("dataitem: bad log record")

const (
	recInsert byte = 0
	recUpdate byte = 1

	// insert: [type:1][xid:8][pgno:4][offset:2][raw]
	offInsXID    = 1
	offInsPgno   = offInsXID + 8
	offInsOffset = offInsPgno + 4
	offInsRaw    = offInsOffset + 2

	// update: [type:1][xid:8][uid:8][old raw][new raw]
	offUpdXID = 1
	offUpdUID = offUpdXID + 8
	offUpdRaw = offUpdUID + 8
)

type logRecord struct {
	typ    byte
	xid    uint64
	pgno   uint32
	offset uint16
	raw    []byte // insert
	oldRaw []byte // update
	newRaw []byte // update
}

func insertRecord(xid uint64, pgno uint32, off uint16, raw []byte) []byte {
	rec := make([]byte, offInsRaw+len(raw))
	rec[0] = recInsert
	bx.PutU64At(rec, offInsXID, xid)
	bx.PutU32At(rec, offInsPgno, pgno)
	bx.PutU16At(rec, offInsOffset, off)
	copy(rec[offInsRaw:], raw)
	return rec
}

func updateRecord(xid, uid uint64, oldRaw, newRaw []byte) []byte {
	rec := make([]byte, offUpdRaw+len(oldRaw)+len(newRaw))
	rec[0] = recUpdate
	bx.PutU64At(rec, offUpdXID, xid)
	bx.PutU64At(rec, offUpdUID, uid)
	copy(rec[offUpdRaw:], oldRaw)
	copy(rec[offUpdRaw+len(oldRaw):], newRaw)
	return rec
}

func parseRecord(rec []byte) (logRecord, error) {
	if len(rec) == 0 {
		return logRecord{}, ErrBadRecord
	}
	switch rec[0] {
	case recInsert:
		if len(rec) < offInsRaw {
			return logRecord{}, fmt.Errorf("%w: short insert", ErrBadRecord)
		}
		return logRecord{
			typ:    recInsert,
			xid:    bx.U64At(rec, offInsXID),
			pgno:   bx.U32At(rec, offInsPgno),
			offset: bx.U16At(rec, offInsOffset),
			raw:    rec[offInsRaw:],
		}, nil
	case recUpdate:
		body := len(rec) - offUpdRaw
		if body < 0 || body%2 != 0 {
			return logRecord{}, fmt.Errorf("%w: uneven update images", ErrBadRecord)
		}
		pgno, off := splitUID(bx.U64At(rec, offUpdUID))
		half := offUpdRaw + body/2
		return logRecord{
			typ:    recUpdate,
			xid:    bx.U64At(rec, offUpdXID),
			pgno:   pgno,
			offset: off,
			oldRaw: rec[offUpdRaw:half],
			newRaw: rec[half:],
		}, nil
	default:
		return logRecord{}, fmt.Errorf("%w: type %d", ErrBadRecord, rec[0])
	}
}
