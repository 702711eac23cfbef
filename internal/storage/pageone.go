package storage

import (
	"bytes"

	"github.com/google/uuid"
)

// Page one carries the shutdown marker:
//
//	[100:108] open marker, fresh random bytes on every open
//	[108:116] close marker, copied from the open marker on clean close
const (
	offValidCheck = 100
	lenValidCheck = 8
)

// InitPageOne returns the initial contents of page one with a fresh open marker.
func InitPageOne() []byte {
	raw := make([]byte, PageSize)
	setOpenMarker(raw)
	return raw
}

// SetOpenMarker stamps a new random open marker on p.
func SetOpenMarker(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	setOpenMarker(p.data)
}

func setOpenMarker(raw []byte) {
	u := uuid.New()
	copy(raw[offValidCheck:offValidCheck+lenValidCheck], u[:lenValidCheck])
}

// SetCloseMarker copies the open marker into the close slot.
func SetCloseMarker(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	copy(p.data[offValidCheck+lenValidCheck:], p.data[offValidCheck:offValidCheck+lenValidCheck])
}

// CheckMarker reports whether the previous run closed cleanly.
func CheckMarker(p *Page) bool {
	p.Lock()
	defer p.Unlock()
	return bytes.Equal(
		p.data[offValidCheck:offValidCheck+lenValidCheck],
		p.data[offValidCheck+lenValidCheck:offValidCheck+2*lenValidCheck])
}
