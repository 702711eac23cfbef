// Package btree is a disk-resident B+tree from uint64 keys to uint64
// references, stored as data items. Nodes are addressed by uid and re-read
// on every step; concurrent splits are tolerated by following sibling links.
package btree

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/internal/txn"
	"github.com/tuannm99/novacore/pkg/bx"
	"github.com/tuannm99/novacore/pkg/logger"
)

var (
	ErrKeyReserved = errors.New("btree: key is reserved")
	ErrCorrupt     = errors.New("btree: corrupt node")
)

// ItemStore is the data-item layer the tree lives on.
type ItemStore interface {
	Insert(xid uint64, data []byte) (uint64, error)
	Read(uid uint64) (*dataitem.DataItem, error)
}

type Option func(*Tree)

func WithLogger(l *zap.Logger) Option { return func(t *Tree) { t.log = logger.OrNop(l) } }

type Tree struct {
	items   ItemStore
	bootUID uint64

	// boot holds the current root uid; bootMu linearizes root swaps
	bootMu sync.Mutex
	boot   *dataitem.DataItem

	log *zap.Logger
}

// Create writes an empty root and the boot item pointing at it, and returns
// the boot uid to Load the tree with.
func Create(items ItemStore) (uint64, error) {
	rootUID, err := items.Insert(txn.SuperXID, newNilRootRaw())
	if err != nil {
		return 0, fmt.Errorf("btree: create root: %w", err)
	}
	bootUID, err := items.Insert(txn.SuperXID, bx.U64Bytes(rootUID))
	if err != nil {
		return 0, fmt.Errorf("btree: create boot: %w", err)
	}
	return bootUID, nil
}

// Load opens the tree whose boot item is bootUID. Close releases it.
func Load(bootUID uint64, items ItemStore, opts ...Option) (*Tree, error) {
	boot, err := items.Read(bootUID)
	if err != nil {
		return nil, fmt.Errorf("btree: load boot %d: %w", bootUID, err)
	}
	t := &Tree{items: items, bootUID: bootUID, boot: boot, log: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Tree) BootUID() uint64 { return t.bootUID }

func (t *Tree) rootUID() uint64 {
	t.bootMu.Lock()
	defer t.bootMu.Unlock()
	return t.readBoot()
}

// updateRoot installs a new root over left and right. If another insert
// grew the tree since left was read as the root, the pair goes into left's
// parent instead, splitting upward as needed.
func (t *Tree) updateRoot(left, right, rightKey uint64) error {
	t.bootMu.Lock()
	defer t.bootMu.Unlock()

	cur := t.readBoot()
	if cur != left {
		path, err := t.leftPath(cur, left)
		if err != nil {
			return err
		}
		for i := len(path) - 1; i >= 0; i-- {
			res, err := t.insertAndSplit(path[i], right, rightKey)
			if err != nil || res.newSon == 0 {
				return err
			}
			left, right, rightKey = path[i], res.newSon, res.newKey
		}
	}

	rootUID, err := t.items.Insert(txn.SuperXID, newRootRaw(left, right, rightKey))
	if err != nil {
		return err
	}
	t.boot.Before()
	bx.PutU64(t.boot.Data(), rootUID)
	if err := t.boot.After(txn.SuperXID); err != nil {
		return err
	}
	t.log.Info("btree.root_split",
		zap.Uint64("boot", t.bootUID),
		zap.Uint64("old_root", left),
		zap.Uint64("new_root", rootUID))
	return nil
}

func (t *Tree) readBoot() uint64 {
	t.boot.RLock()
	defer t.boot.RUnlock()
	return bx.U64(t.boot.Data())
}

// leftPath walks first children from root down to the parent of target.
// A former root is always the first child of its parent.
func (t *Tree) leftPath(root, target uint64) ([]uint64, error) {
	var path []uint64
	for uid := root; uid != target; {
		n, err := t.loadNode(uid)
		if err != nil {
			return nil, err
		}
		n.item.RLock()
		leaf, first := isLeaf(n.raw), son(n.raw, 0)
		n.item.RUnlock()
		if err := n.release(); err != nil {
			return nil, err
		}
		if leaf {
			return nil, fmt.Errorf("%w: old root %d not on the left edge", ErrCorrupt, target)
		}
		path = append(path, uid)
		uid = first
	}
	return path, nil
}

func (t *Tree) loadNode(uid uint64) (*node, error) {
	item, err := t.items.Read(uid)
	if err != nil {
		return nil, err
	}
	raw := item.Data()
	if len(raw) < nodeSize {
		return nil, errors.Join(fmt.Errorf("%w: uid %d has %d bytes", ErrCorrupt, uid, len(raw)), item.Release())
	}
	return &node{tree: t, item: item, raw: raw[:nodeSize], uid: uid}, nil
}

func (t *Tree) isLeaf(uid uint64) (bool, error) {
	n, err := t.loadNode(uid)
	if err != nil {
		return false, err
	}
	leaf := n.isLeaf()
	return leaf, n.release()
}

// searchLeaf finds the leftmost leaf that may hold k.
func (t *Tree) searchLeaf(uid, k uint64) (uint64, error) {
	for {
		leaf, err := t.isLeaf(uid)
		if err != nil {
			return 0, err
		}
		if leaf {
			return uid, nil
		}
		if uid, err = t.searchNext(uid, k, true); err != nil {
			return 0, err
		}
	}
}

// searchNext returns the child of uid covering k, following sibling
// redirects until one node answers.
func (t *Tree) searchNext(uid, k uint64, lower bool) (uint64, error) {
	for {
		n, err := t.loadNode(uid)
		if err != nil {
			return 0, err
		}
		res := n.searchNext(k, lower)
		if err := n.release(); err != nil {
			return 0, err
		}
		if !res.redirect {
			return res.uid, nil
		}
		if res.uid == 0 {
			return 0, fmt.Errorf("%w: key %d past the right edge of %d", ErrCorrupt, k, uid)
		}
		uid = res.uid
	}
}

// Search returns every reference stored under k.
func (t *Tree) Search(k uint64) ([]uint64, error) {
	return t.SearchRange(k, k)
}

// SearchRange returns the references of keys in [lo, hi] in key order.
func (t *Tree) SearchRange(lo, hi uint64) ([]uint64, error) {
	leafUID, err := t.searchLeaf(t.rootUID(), lo)
	if err != nil {
		return nil, err
	}

	var refs []uint64
	for leafUID != 0 {
		n, err := t.loadNode(leafUID)
		if err != nil {
			return nil, err
		}
		found, next := n.leafSearchRange(lo, hi)
		if err := n.release(); err != nil {
			return nil, err
		}
		refs = append(refs, found...)
		leafUID = next
	}
	return refs, nil
}

// Insert adds ref under k. Duplicate keys are kept.
func (t *Tree) Insert(k, ref uint64) error {
	if k == MaxKey {
		return ErrKeyReserved
	}
	rootUID := t.rootUID()
	res, err := t.insert(rootUID, ref, k)
	if err != nil {
		return err
	}
	if res.newSon != 0 {
		return t.updateRoot(rootUID, res.newSon, res.newKey)
	}
	return nil
}

func (t *Tree) insert(uid, ref, k uint64) (splitResult, error) {
	leaf, err := t.isLeaf(uid)
	if err != nil {
		return splitResult{}, err
	}
	if leaf {
		return t.insertAndSplit(uid, ref, k)
	}

	next, err := t.searchNext(uid, k, false)
	if err != nil {
		return splitResult{}, err
	}
	child, err := t.insert(next, ref, k)
	if err != nil || child.newSon == 0 {
		return splitResult{}, err
	}
	return t.insertAndSplit(uid, child.newSon, child.newKey)
}

func (t *Tree) insertAndSplit(uid, son, k uint64) (splitResult, error) {
	for {
		n, err := t.loadNode(uid)
		if err != nil {
			return splitResult{}, err
		}
		res, err := n.insertAndSplit(son, k)
		if rerr := n.release(); err == nil {
			err = rerr
		}
		if err != nil {
			return splitResult{}, err
		}
		if res.sibling == 0 {
			return res, nil
		}
		uid = res.sibling
	}
}

func (t *Tree) Close() error {
	return t.boot.Release()
}
