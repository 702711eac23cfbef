package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/bufferpool"
	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/logger"
)

// PageStore is a page file fronted by a bounded reference-counted cache.
type PageStore struct {
	path string

	fileMu sync.Mutex
	f      *os.File

	pageNumbers atomic.Uint32
	cache       *bufferpool.Cache[uint32, *Page]

	log *zap.Logger
}

type Option func(*storeOptions)

type storeOptions struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func WithLogger(l *zap.Logger) Option { return func(o *storeOptions) { o.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *storeOptions) { o.metrics = m } }

// Create makes a new, empty page file. capacityBytes sizes the page cache.
func Create(path string, capacityBytes int64, opts ...Option) (*PageStore, error) {
	capacity, err := cachePages(capacityBytes)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, FileMode0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, err
	}
	return newStore(path, f, capacity, 0, opts), nil
}

// Open opens an existing page file.
func Open(path string, capacityBytes int64, opts ...Option) (*PageStore, error) {
	capacity, err := cachePages(capacityBytes)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, FileMode0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotExists, path)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return newStore(path, f, capacity, uint32(st.Size()/PageSize), opts), nil
}

func cachePages(capacityBytes int64) (int, error) {
	n := capacityBytes / PageSize
	if n < MinCachePages {
		return 0, fmt.Errorf("%w: %d pages, need %d", ErrCacheTooSmall, n, MinCachePages)
	}
	return int(n), nil
}

func newStore(path string, f *os.File, capacity int, pages uint32, opts []Option) *PageStore {
	o := storeOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &PageStore{path: path, f: f, log: o.log}
	s.pageNumbers.Store(pages)
	s.cache = bufferpool.New(capacity, (*pageSource)(s),
		bufferpool.WithLogger(o.log),
		bufferpool.WithMetrics(o.metrics.Cache("pages")))
	s.log.Info("storage.open",
		zap.String("path", path),
		zap.Int("cache_pages", capacity),
		zap.Uint32("pages", pages))
	return s
}

func pageOffset(pgno uint32) int64 { return int64(pgno-1) * PageSize }

// NewPage appends a page holding init (zero padded) and writes it through
// to the file before returning its number.
func (s *PageStore) NewPage(init []byte) (uint32, error) {
	if len(init) > PageSize {
		return 0, ErrWrongSize
	}
	data := make([]byte, PageSize)
	copy(data, init)

	pgno := s.pageNumbers.Add(1)
	pg := newPage(pgno, data, s)
	if err := s.flush(pg); err != nil {
		return 0, err
	}
	return pgno, nil
}

// GetPage returns the cached page, loading it on a miss. Blocks while the
// cache is full of referenced pages.
func (s *PageStore) GetPage(pgno uint32) (*Page, error) {
	if pgno == 0 || pgno > s.pageNumbers.Load() {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, pgno)
	}
	return s.cache.Get(pgno)
}

func (s *PageStore) Release(p *Page) error {
	return s.cache.Release(p.pgno)
}

// FlushPage writes p to the file and forces it durable.
func (s *PageStore) FlushPage(p *Page) error {
	return s.flush(p)
}

func (s *PageStore) flush(p *Page) error {
	p.mu.Lock()
	buf := make([]byte, PageSize)
	copy(buf, p.data)
	p.dirty.Store(false)
	p.mu.Unlock()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if _, err := s.f.WriteAt(buf, pageOffset(p.pgno)); err != nil {
		p.dirty.Store(true)
		return fmt.Errorf("storage: flush page %d: %w", p.pgno, err)
	}
	if err := s.f.Sync(); err != nil {
		p.dirty.Store(true)
		return fmt.Errorf("storage: flush page %d: %w", p.pgno, err)
	}
	return nil
}

// TruncateTo cuts (or zero-extends) the file to exactly maxPgno pages and
// resets the page counter.
func (s *PageStore) TruncateTo(maxPgno uint32) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if err := s.f.Truncate(int64(maxPgno) * PageSize); err != nil {
		return fmt.Errorf("storage: truncate to %d pages: %w", maxPgno, err)
	}
	s.pageNumbers.Store(maxPgno)
	s.log.Info("storage.truncate", zap.String("path", s.path), zap.Uint32("pages", maxPgno))
	return nil
}

func (s *PageStore) PageCount() uint32 { return s.pageNumbers.Load() }

// Close flushes every cached dirty page and closes the file.
func (s *PageStore) Close() error {
	err := s.cache.Close()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.f == nil {
		return err
	}
	err = errors.Join(err, s.f.Close())
	s.f = nil
	s.log.Info("storage.close", zap.String("path", s.path))
	return err
}

// pageSource feeds the page cache from the file.
type pageSource PageStore

func (src *pageSource) Load(pgno uint32) (*Page, error) {
	s := (*PageStore)(src)
	data := make([]byte, PageSize)

	s.fileMu.Lock()
	_, err := s.f.ReadAt(data, pageOffset(pgno))
	s.fileMu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("storage: read page %d: %w", pgno, err)
	}
	return newPage(pgno, data, s), nil
}

func (src *pageSource) Evict(pgno uint32, p *Page) error {
	if !p.IsDirty() {
		return nil
	}
	s := (*PageStore)(src)
	s.log.Debug("storage.evict_dirty", zap.Uint32("pgno", pgno))
	return s.flush(p)
}
