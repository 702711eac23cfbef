// Package lock grants transactions exclusive use of resource ids and
// refuses waits that would close a cycle in the wait-for graph.
package lock

import (
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/metrics"
	"github.com/tuannm99/novacore/pkg/logger"
)

var ErrDeadlock = errors.New("lock: deadlock")

type Option func(*Table)

func WithLogger(l *zap.Logger) Option { return func(t *Table) { t.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Table) { t.metrics = m } }

// Table is one lock table per open engine. A uid has at most one holder and
// an xid waits on at most one uid.
type Table struct {
	mu     sync.Mutex
	x2u    map[uint64][]uint64 // uids held by xid
	u2x    map[uint64]uint64   // holder of uid
	wait   map[uint64][]uint64 // FIFO waiters of uid
	waitU  map[uint64]uint64   // uid xid waits on
	waitCh map[uint64]chan struct{}

	// deadlock search scratch, rebuilt per check
	stamp map[uint64]int
	pass  int

	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts ...Option) *Table {
	t := &Table{
		x2u:    map[uint64][]uint64{},
		u2x:    map[uint64]uint64{},
		wait:   map[uint64][]uint64{},
		waitU:  map[uint64]uint64{},
		waitCh: map[uint64]chan struct{}{},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Acquire grants uid to xid. A nil channel means the lock is held now;
// otherwise the caller waits for the channel to close. The channel also
// closes if xid is released while waiting, so callers re-check their
// transaction afterwards.
func (t *Table) Acquire(xid, uid uint64) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slices.Contains(t.x2u[xid], uid) {
		return nil, nil
	}
	if _, held := t.u2x[uid]; !held {
		t.u2x[uid] = xid
		t.x2u[xid] = append(t.x2u[xid], uid)
		return nil, nil
	}

	t.waitU[xid] = uid
	t.wait[uid] = append(t.wait[uid], xid)
	if t.hasDeadlock() {
		delete(t.waitU, xid)
		t.removeWaiter(uid, xid)
		t.metrics.Deadlock()
		t.log.Debug("lock.deadlock", zap.Uint64("xid", xid), zap.Uint64("uid", uid))
		return nil, ErrDeadlock
	}

	ch := make(chan struct{})
	t.waitCh[xid] = ch
	t.metrics.LockWait()
	return ch, nil
}

// ReleaseAll frees every uid xid holds, handing each to its oldest live
// waiter, and withdraws xid's own wait if it has one.
func (t *Table) ReleaseAll(xid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, uid := range t.x2u[xid] {
		t.selectNewHolder(uid)
	}
	delete(t.x2u, xid)

	if uid, ok := t.waitU[xid]; ok {
		t.removeWaiter(uid, xid)
		delete(t.waitU, xid)
	}
	if ch, ok := t.waitCh[xid]; ok {
		delete(t.waitCh, xid)
		close(ch)
	}
}

func (t *Table) selectNewHolder(uid uint64) {
	delete(t.u2x, uid)

	q := t.wait[uid]
	for len(q) > 0 {
		xid := q[0]
		q = q[1:]
		ch, ok := t.waitCh[xid]
		if !ok {
			continue
		}
		t.u2x[uid] = xid
		t.x2u[xid] = append(t.x2u[xid], uid)
		delete(t.waitCh, xid)
		delete(t.waitU, xid)
		close(ch)
		break
	}

	if len(q) == 0 {
		delete(t.wait, uid)
	} else {
		t.wait[uid] = q
	}
}

func (t *Table) removeWaiter(uid, xid uint64) {
	q := slices.DeleteFunc(t.wait[uid], func(x uint64) bool { return x == xid })
	if len(q) == 0 {
		delete(t.wait, uid)
		return
	}
	t.wait[uid] = q
}

func (t *Table) hasDeadlock() bool {
	t.stamp = map[uint64]int{}
	t.pass = 1
	for xid := range t.x2u {
		if t.stamp[xid] > 0 {
			continue
		}
		t.pass++
		if t.cycleFrom(xid) {
			return true
		}
	}
	return false
}

// cycleFrom follows xid -> waited uid -> holder. Meeting a stamp of this
// pass is a cycle; an older stamp was already proven acyclic.
func (t *Table) cycleFrom(xid uint64) bool {
	for {
		if s, seen := t.stamp[xid]; seen {
			return s == t.pass
		}
		t.stamp[xid] = t.pass

		uid, waiting := t.waitU[xid]
		if !waiting {
			return false
		}
		holder, held := t.u2x[uid]
		if !held {
			return false
		}
		xid = holder
	}
}

// Holder reports which xid holds uid.
func (t *Table) Holder(uid uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	xid, ok := t.u2x[uid]
	return xid, ok
}

// Holds reports whether xid holds uid.
func (t *Table) Holds(xid, uid uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Contains(t.x2u[xid], uid)
}
