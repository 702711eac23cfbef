package bufferpool

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/logger"
)

var (
	DefaultCapacity = 128

	ErrCacheClosed = errors.New("bufferpool: cache is closed")
	ErrNotCached   = errors.New("bufferpool: key is not cached")
)

// Source backs a Cache: Load runs on a miss, Evict when a value leaves the
// cache (eviction, drop on release, or Close).
type Source[K comparable, V any] interface {
	Load(key K) (V, error)
	Evict(key K, value V) error
}

type frame[K comparable, V any] struct {
	key   K
	value V
	refs  int

	// in-flight markers; other callers for key wait on the cond
	loading  bool
	evicting bool
}

type Option func(*options)

type options struct {
	dropIdle bool
	counters *metrics.CacheCounters
	log      *zap.Logger
}

// WithDropIdle evicts a value as soon as its last reference is released.
// Used for caches whose values pin resources of another cache.
func WithDropIdle() Option { return func(o *options) { o.dropIdle = true } }

func WithMetrics(c *metrics.CacheCounters) Option { return func(o *options) { o.counters = c } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = logger.OrNop(l) } }

// Cache is a bounded, reference-counted cache. Every successful Get must be
// paired with a Release. When all frames are referenced, Get blocks until a
// Release frees one; capacity is never exceeded.
type Cache[K comparable, V any] struct {
	src Source[K, V]
	options

	mu     sync.Mutex
	cond   *sync.Cond
	frames []*frame[K, V] // len == capacity, nil == free
	free   []int
	table  map[K]int
	repl   Replacer
	closed bool
}

func New[K comparable, V any](capacity int, src Source[K, V], opts ...Option) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[K, V]{
		src:     src,
		options: options{log: zap.NewNop()},
		frames:  make([]*frame[K, V], capacity),
		free:    make([]int, 0, capacity),
		table:   make(map[K]int, capacity),
		repl:    newClockReplacer(capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}
	for _, o := range opts {
		o(&c.options)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Get returns the value for key, loading it on a miss. Concurrent misses on
// the same key share one Load.
func (c *Cache[K, V]) Get(key K) (V, error) {
	var zero V

	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return zero, ErrCacheClosed
		}

		// 1) HIT, or someone is loading/evicting it
		if idx, ok := c.table[key]; ok {
			f := c.frames[idx]
			if f.loading || f.evicting {
				c.cond.Wait()
				continue
			}
			f.refs++
			if f.refs == 1 {
				c.repl.SetEvictable(idx, false)
			}
			c.repl.RecordAccess(idx)
			c.counters.Hit()
			v := f.value
			c.mu.Unlock()
			return v, nil
		}

		// 2) Free frame, else evict
		if len(c.free) == 0 {
			victim, ok := c.repl.Evict()
			if !ok {
				c.counters.Wait()
				c.cond.Wait()
				continue
			}
			if err := c.evictLocked(victim); err != nil {
				c.mu.Unlock()
				return zero, err
			}
			continue
		}

		// 3) MISS: reserve the frame, load outside the lock
		idx := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		f := &frame[K, V]{key: key, loading: true}
		c.frames[idx] = f
		c.table[key] = idx
		c.counters.Miss()
		c.mu.Unlock()

		v, err := c.src.Load(key)

		c.mu.Lock()
		if err != nil {
			c.releaseFrame(idx, key)
			c.cond.Broadcast()
			c.mu.Unlock()
			return zero, err
		}
		f.value = v
		f.loading = false
		f.refs = 1
		c.repl.RecordAccess(idx)
		c.repl.SetEvictable(idx, false)
		c.cond.Broadcast()
		c.mu.Unlock()
		return v, nil
	}
}

// evictLocked hands the frame to Source.Evict with the lock dropped. The
// frame must already be out of the replacer.
func (c *Cache[K, V]) evictLocked(idx int) error {
	f := c.frames[idx]
	f.evicting = true
	c.mu.Unlock()

	err := c.src.Evict(f.key, f.value)

	c.mu.Lock()
	f.evicting = false
	if err != nil {
		c.repl.RecordAccess(idx)
		c.repl.SetEvictable(idx, f.refs == 0)
		c.cond.Broadcast()
		c.log.Error("bufferpool.evict", zap.Any("key", f.key), zap.Error(err))
		return err
	}
	c.releaseFrame(idx, f.key)
	c.counters.Evict()
	c.cond.Broadcast()
	return nil
}

func (c *Cache[K, V]) releaseFrame(idx int, key K) {
	c.frames[idx] = nil
	delete(c.table, key)
	c.free = append(c.free, idx)
}

// Release drops one reference to key.
func (c *Cache[K, V]) Release(key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.table[key]
	if !ok {
		return ErrNotCached
	}
	f := c.frames[idx]
	if f.loading || f.evicting || f.refs <= 0 {
		panic("bufferpool: release of unreferenced key")
	}

	f.refs--
	if f.refs > 0 {
		return nil
	}
	if c.dropIdle {
		c.repl.Remove(idx)
		return c.evictLocked(idx)
	}
	c.repl.SetEvictable(idx, true)
	c.cond.Broadcast()
	return nil
}

// Len is the number of occupied frames, including in-flight loads.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Close evicts every value, referenced or not, and fails blocked and future
// calls with ErrCacheClosed.
func (c *Cache[K, V]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cond.Broadcast()

	for c.inFlight() {
		c.cond.Wait()
	}

	var errs []error
	for idx, f := range c.frames {
		if f == nil {
			continue
		}
		if err := c.src.Evict(f.key, f.value); err != nil {
			errs = append(errs, err)
		}
		c.repl.Remove(idx)
		c.releaseFrame(idx, f.key)
	}
	return errors.Join(errs...)
}

func (c *Cache[K, V]) inFlight() bool {
	for _, f := range c.frames {
		if f != nil && (f.loading || f.evicting) {
			return true
		}
	}
	return false
}
