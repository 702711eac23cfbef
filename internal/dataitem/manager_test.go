package dataitem

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novacore/internal/storage"
)

const testCacheBytes = 64 * storage.PageSize

type fakeLedger struct {
	active  map[uint64]bool
	aborted []uint64
}

func newFakeLedger(active ...uint64) *fakeLedger {
	l := &fakeLedger{active: map[uint64]bool{}}
	for _, xid := range active {
		l.active[xid] = true
	}
	return l
}

func (l *fakeLedger) IsActive(xid uint64) bool { return l.active[xid] }

func (l *fakeLedger) Abort(xid uint64) error {
	delete(l.active, xid)
	l.aborted = append(l.aborted, xid)
	return nil
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items")
	dm, err := Create(path, testCacheBytes)
	require.NoError(t, err)
	return dm, path
}

// crash closes the files without writing the clean-shutdown marker.
func crash(t *testing.T, dm *Manager) {
	t.Helper()
	require.NoError(t, dm.items.Close())
	require.NoError(t, dm.closeFiles())
}

func readString(t *testing.T, dm *Manager, uid uint64) string {
	t.Helper()
	d, err := dm.Read(uid)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Release()) }()
	return string(d.Data())
}

func TestManager_InsertRead(t *testing.T) {
	dm, _ := newTestManager(t)
	defer func() { require.NoError(t, dm.Close()) }()

	uid, err := dm.Insert(0, []byte("hello"))
	require.NoError(t, err)

	pgno, off := splitUID(uid)
	require.Equal(t, uint32(2), pgno)
	require.Equal(t, uint16(2), off)

	d1, err := dm.Read(uid)
	require.NoError(t, err)
	d2, err := dm.Read(uid)
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.Equal(t, []byte("hello"), d1.Data())

	require.NoError(t, d1.Release())
	require.NoError(t, d2.Release())
	require.Equal(t, 0, dm.items.Len())
}

func TestManager_TooLarge(t *testing.T) {
	dm, _ := newTestManager(t)
	defer func() { require.NoError(t, dm.Close()) }()

	_, err := dm.Insert(0, make([]byte, storage.MaxFreeSpace))
	require.ErrorIs(t, err, ErrDataTooLarge)

	uid, err := dm.Insert(0, make([]byte, storage.MaxFreeSpace-offData))
	require.NoError(t, err)
	require.Len(t, readString(t, dm, uid), storage.MaxFreeSpace-offData)
}

func TestManager_BeforeAfterAndUnBefore(t *testing.T) {
	dm, path := newTestManager(t)

	uid, err := dm.Insert(0, []byte("aaaa"))
	require.NoError(t, err)

	d, err := dm.Read(uid)
	require.NoError(t, err)

	d.Before()
	copy(d.Data(), "bbbb")
	d.UnBefore()
	require.Equal(t, []byte("aaaa"), d.Data())

	d.Before()
	copy(d.Data(), "cccc")
	require.NoError(t, d.After(0))
	require.NoError(t, d.Release())
	require.NoError(t, dm.Close())

	dm, err = Open(path, testCacheBytes, newFakeLedger())
	require.NoError(t, err)
	defer func() { require.NoError(t, dm.Close()) }()
	require.Equal(t, "cccc", readString(t, dm, uid))
}

func TestManager_ManyPagesAndReopen(t *testing.T) {
	dm, path := newTestManager(t)

	payload := func(i int) []byte { return bytes.Repeat([]byte{byte('a' + i%26)}, 500+i%100) }
	uids := make([]uint64, 200)
	for i := range uids {
		uid, err := dm.Insert(0, payload(i))
		require.NoError(t, err)
		uids[i] = uid
	}
	pages := dm.store.PageCount()
	require.Greater(t, pages, uint32(10))
	require.NoError(t, dm.Close())

	ledger := newFakeLedger()
	dm, err := Open(path, testCacheBytes, ledger)
	require.NoError(t, err)
	defer func() { require.NoError(t, dm.Close()) }()

	require.Empty(t, ledger.aborted)
	for i, uid := range uids {
		require.Equal(t, string(payload(i)), readString(t, dm, uid))
	}

	// free space found from the rebuilt index, no new page needed
	_, err = dm.Insert(0, []byte("small"))
	require.NoError(t, err)
	require.Equal(t, pages, dm.store.PageCount())
}

func TestManager_RecoverUndoesActiveInsert(t *testing.T) {
	dm, path := newTestManager(t)

	committed, err := dm.Insert(1, []byte("keep"))
	require.NoError(t, err)
	active, err := dm.Insert(2, []byte("drop"))
	require.NoError(t, err)
	crash(t, dm)

	ledger := newFakeLedger(2)
	dm, err = Open(path, testCacheBytes, ledger)
	require.NoError(t, err)
	defer func() { require.NoError(t, dm.Close()) }()

	require.Equal(t, []uint64{2}, ledger.aborted)
	require.Equal(t, "keep", readString(t, dm, committed))
	_, err = dm.Read(active)
	require.ErrorIs(t, err, ErrInvalidItem)
}

func TestManager_RecoverUndoesActiveUpdate(t *testing.T) {
	dm, path := newTestManager(t)

	uid, err := dm.Insert(1, []byte("v1"))
	require.NoError(t, err)

	d, err := dm.Read(uid)
	require.NoError(t, err)
	d.Before()
	copy(d.Data(), "v2")
	require.NoError(t, d.After(3))
	require.NoError(t, d.Release())
	crash(t, dm)

	dm, err = Open(path, testCacheBytes, newFakeLedger(3))
	require.NoError(t, err)
	defer func() { require.NoError(t, dm.Close()) }()
	require.Equal(t, "v1", readString(t, dm, uid))
}

func TestManager_RecoverRedoesLostPages(t *testing.T) {
	dm, path := newTestManager(t)

	var uids []uint64
	for i := range 20 {
		uid, err := dm.Insert(1, []byte(fmt.Sprintf("row-%02d", i)))
		require.NoError(t, err)
		uids = append(uids, uid)
	}
	crash(t, dm)

	// lose every page after page one
	require.NoError(t, os.Truncate(path+storage.Suffix, storage.PageSize))

	dm, err := Open(path, testCacheBytes, newFakeLedger())
	require.NoError(t, err)
	defer func() { require.NoError(t, dm.Close()) }()

	for i, uid := range uids {
		require.Equal(t, fmt.Sprintf("row-%02d", i), readString(t, dm, uid))
	}
}

func TestManager_CleanCloseSkipsRecovery(t *testing.T) {
	dm, path := newTestManager(t)
	_, err := dm.Insert(2, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	// xid 2 still reported active, but a clean close means no undo
	ledger := newFakeLedger(2)
	dm, err = Open(path, testCacheBytes, ledger)
	require.NoError(t, err)
	require.Empty(t, ledger.aborted)
	require.NoError(t, dm.Close())
}

func TestManager_OpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "none"), testCacheBytes, newFakeLedger())
	require.ErrorIs(t, err, storage.ErrFileNotExists)
}

func TestRecord_Parse(t *testing.T) {
	r, err := parseRecord(insertRecord(7, 3, 40, []byte("raw")))
	require.NoError(t, err)
	require.Equal(t, recInsert, r.typ)
	require.Equal(t, uint64(7), r.xid)
	require.Equal(t, uint32(3), r.pgno)
	require.Equal(t, uint16(40), r.offset)
	require.Equal(t, []byte("raw"), r.raw)

	r, err = parseRecord(updateRecord(9, UID(4, 12), []byte("old"), []byte("new")))
	require.NoError(t, err)
	require.Equal(t, recUpdate, r.typ)
	require.Equal(t, uint32(4), r.pgno)
	require.Equal(t, uint16(12), r.offset)
	require.Equal(t, []byte("old"), r.oldRaw)
	require.Equal(t, []byte("new"), r.newRaw)

	_, err = parseRecord([]byte{9})
	require.ErrorIs(t, err, ErrBadRecord)
	_, err = parseRecord(nil)
	require.ErrorIs(t, err, ErrBadRecord)
}
