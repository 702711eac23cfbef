// Package freespace tracks per-page free space in coarse buckets so inserts
// can find a page without scanning the file.
package freespace

import (
	"sync"

	"github.com/tuannm99/novacore/internal/storage"
)

const (
	intervals = 40
	threshold = storage.PageSize / intervals
)

// PageInfo is a page and the free space it had when added.
type PageInfo struct {
	Pgno      uint32
	FreeSpace int
}

// Index buckets pages by FreeSpace/threshold. A page selected for an insert
// leaves the index; the caller adds it back with its new free space.
type Index struct {
	mu      sync.Mutex
	buckets [intervals + 1][]PageInfo
}

func New() *Index { return &Index{} }

func bucketOf(freeSpace int) int {
	n := freeSpace / threshold
	if n > intervals {
		n = intervals
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (x *Index) Add(pgno uint32, freeSpace int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := bucketOf(freeSpace)
	x.buckets[n] = append(x.buckets[n], PageInfo{Pgno: pgno, FreeSpace: freeSpace})
}

// Select removes and returns a page with at least need bytes free.
func (x *Index) Select(need int) (PageInfo, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	// bucket n only guarantees n*threshold bytes, so start one above
	n := need / threshold
	if n < intervals {
		n++
	}
	for ; n <= intervals; n++ {
		b := x.buckets[n]
		for i, pi := range b {
			// the top bucket is open-ended, check the recorded value
			if n == intervals && pi.FreeSpace < need {
				continue
			}
			x.buckets[n] = append(b[:i], b[i+1:]...)
			return pi, true
		}
	}
	return PageInfo{}, false
}

// Len is the number of pages currently indexed.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	total := 0
	for _, b := range x.buckets {
		total += len(b)
	}
	return total
}
