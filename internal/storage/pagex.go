package storage

import "github.com/tuannm99/novacore/pkg/bx"

// Ordinary pages: [free offset:2][packed items...][free space]
const (
	offFree = 0
	offData = 2

	// MaxFreeSpace is the free space of an empty ordinary page.
	MaxFreeSpace = PageSize - offData
)

// InitPageX returns the contents of an empty ordinary page.
func InitPageX() []byte {
	raw := make([]byte, PageSize)
	bx.PutU16At(raw, offFree, offData)
	return raw
}

// freeOffset treats a zero-filled page as empty.
func freeOffset(raw []byte) uint16 {
	if off := bx.U16At(raw, offFree); off >= offData {
		return off
	}
	return offData
}

// FreeOffset is the first unused byte of p.
func FreeOffset(p *Page) uint16 {
	p.Lock()
	defer p.Unlock()
	return freeOffset(p.data)
}

// FreeSpace is the number of bytes still available on p.
func FreeSpace(p *Page) int {
	p.Lock()
	defer p.Unlock()
	return PageSize - int(freeOffset(p.data))
}

// InsertRaw appends raw at the free offset and returns where it landed.
func InsertRaw(p *Page, raw []byte) (uint16, error) {
	p.Lock()
	defer p.Unlock()

	off := freeOffset(p.data)
	if int(off)+len(raw) > PageSize {
		return 0, ErrPageFull
	}
	p.SetDirty(true)
	copy(p.data[off:], raw)
	bx.PutU16At(p.data, offFree, off+uint16(len(raw)))
	return off, nil
}

// RecoverInsert replays an insert of raw at off, moving the free offset
// forward if needed.
func RecoverInsert(p *Page, raw []byte, off uint16) {
	p.Lock()
	defer p.Unlock()

	p.SetDirty(true)
	copy(p.data[off:], raw)
	if end := off + uint16(len(raw)); end > freeOffset(p.data) {
		bx.PutU16At(p.data, offFree, end)
	}
}

// RecoverUpdate replays an in-place overwrite of raw at off.
func RecoverUpdate(p *Page, raw []byte, off uint16) {
	p.Lock()
	defer p.Unlock()

	p.SetDirty(true)
	copy(p.data[off:], raw)
}
