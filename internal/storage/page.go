package storage

import (
	"sync"
	"sync/atomic"
)

// Page is a cached, fixed-size page. Obtain it with PageStore.GetPage and
// hand it back with Release.
type Page struct {
	mu    sync.Mutex
	pgno  uint32
	data  []byte
	dirty atomic.Bool
	store *PageStore
}

func newPage(pgno uint32, data []byte, store *PageStore) *Page {
	return &Page{pgno: pgno, data: data, store: store}
}

// Number is the 1-based page number.
func (p *Page) Number() uint32 { return p.pgno }

// Data is the live page buffer, not a copy.
func (p *Page) Data() []byte { return p.data }

func (p *Page) Lock()   { p.mu.Lock() }
func (p *Page) Unlock() { p.mu.Unlock() }

func (p *Page) SetDirty(dirty bool) { p.dirty.Store(dirty) }
func (p *Page) IsDirty() bool       { return p.dirty.Load() }

// Release returns the page to its store.
func (p *Page) Release() error { return p.store.Release(p) }
