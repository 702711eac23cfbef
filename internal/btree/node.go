package btree

import (
	"math"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/internal/txn"
	"github.com/tuannm99/novacore/pkg/bx"
)

// Node layout:
//
//	[isLeaf:1][nkeys:2][sibling:8]
//	[son0:8][key0:8][son1:8][key1:8]...
//
// In an internal node son_i covers keys below key_i. In a leaf son_i is the
// reference stored under key_i.
const (
	offLeaf    = 0
	offNKeys   = 1
	offSibling = 3
	headerLen  = 11

	balance  = 32
	pairLen  = 16
	nodeSize = headerLen + pairLen*(2*balance+2)

	// MaxKey is the right-edge sentinel of internal nodes and cannot be stored.
	MaxKey uint64 = math.MaxUint64
)

func isLeaf(raw []byte) bool             { return raw[offLeaf] == 1 }
func nkeys(raw []byte) int               { return int(bx.U16At(raw, offNKeys)) }
func setNKeys(raw []byte, n int)         { bx.PutU16At(raw, offNKeys, uint16(n)) }
func sibling(raw []byte) uint64          { return bx.U64At(raw, offSibling) }
func setSibling(raw []byte, uid uint64)  { bx.PutU64At(raw, offSibling, uid) }
func pairOff(k int) int                  { return headerLen + k*pairLen }
func son(raw []byte, k int) uint64       { return bx.U64At(raw, pairOff(k)) }
func setSon(raw []byte, k int, v uint64) { bx.PutU64At(raw, pairOff(k), v) }
func key(raw []byte, k int) uint64       { return bx.U64At(raw, pairOff(k)+8) }
func setKey(raw []byte, k int, v uint64) { bx.PutU64At(raw, pairOff(k)+8, v) }

func setLeaf(raw []byte, leaf bool) {
	if leaf {
		raw[offLeaf] = 1
	} else {
		raw[offLeaf] = 0
	}
}

// shiftFrom moves pairs k.. one slot right.
func shiftFrom(raw []byte, k int) {
	begin := pairOff(k + 1)
	copy(raw[begin:nodeSize], raw[begin-pairLen:nodeSize-pairLen])
}

// copyFrom copies pairs k.. of from to the start of to.
func copyFrom(from, to []byte, k int) {
	copy(to[headerLen:], from[pairOff(k):nodeSize])
}

func newNilRootRaw() []byte {
	raw := make([]byte, nodeSize)
	setLeaf(raw, true)
	return raw
}

func newRootRaw(left, right, rightKey uint64) []byte {
	raw := make([]byte, nodeSize)
	setLeaf(raw, false)
	setNKeys(raw, 2)
	setSon(raw, 0, left)
	setKey(raw, 0, rightKey)
	setSon(raw, 1, right)
	setKey(raw, 1, MaxKey)
	return raw
}

// nav is the outcome of one navigation step: the child to descend into, or a
// redirect to the right sibling when the node was split under the caller.
type nav struct {
	uid      uint64
	redirect bool
}

// splitResult of insertAndSplit: either a redirect, or an optional new right
// node with its first key for the parent.
type splitResult struct {
	sibling uint64
	newSon  uint64
	newKey  uint64
}

type node struct {
	tree *Tree
	item *dataitem.DataItem
	raw  []byte
	uid  uint64
}

func (n *node) release() error { return n.item.Release() }

func (n *node) isLeaf() bool {
	n.item.RLock()
	defer n.item.RUnlock()
	return isLeaf(n.raw)
}

// searchNext picks the child to descend into for k. Inserts take the first
// separator above k. Lookups pass lower and stop at a separator equal to k,
// since a split can leave copies of its promoted key in the left half.
func (n *node) searchNext(k uint64, lower bool) nav {
	n.item.RLock()
	defer n.item.RUnlock()

	nk := nkeys(n.raw)
	for i := range nk {
		sep := key(n.raw, i)
		if k < sep || (lower && k == sep) {
			return nav{uid: son(n.raw, i)}
		}
	}
	return nav{uid: sibling(n.raw), redirect: true}
}

// leafSearchRange returns refs in [lo, hi] and the sibling to continue with,
// or 0 when the range ends inside this leaf.
func (n *node) leafSearchRange(lo, hi uint64) ([]uint64, uint64) {
	n.item.RLock()
	defer n.item.RUnlock()

	nk := nkeys(n.raw)
	k := 0
	for k < nk && key(n.raw, k) < lo {
		k++
	}
	var refs []uint64
	for k < nk && key(n.raw, k) <= hi {
		refs = append(refs, son(n.raw, k))
		k++
	}
	var next uint64
	if k == nk {
		next = sibling(n.raw)
	}
	return refs, next
}

func (n *node) insertAndSplit(uid, k uint64) (splitResult, error) {
	n.item.Before()

	if !n.insert(uid, k) {
		res := splitResult{sibling: sibling(n.raw)}
		n.item.UnBefore()
		return res, nil
	}

	var res splitResult
	if nkeys(n.raw) == 2*balance {
		son, newKey, err := n.split()
		if err != nil {
			n.item.UnBefore()
			return splitResult{}, err
		}
		res.newSon, res.newKey = son, newKey
	}
	if err := n.item.After(txn.SuperXID); err != nil {
		return splitResult{}, err
	}
	return res, nil
}

// insert places (uid, k) in order, or reports false when k belongs to a
// right sibling created by a concurrent split.
func (n *node) insert(uid, k uint64) bool {
	raw := n.raw
	nk := nkeys(raw)
	kth := 0
	for kth < nk && key(raw, kth) < k {
		kth++
	}
	if kth == nk && sibling(raw) != 0 {
		return false
	}

	if isLeaf(raw) {
		shiftFrom(raw, kth)
		setKey(raw, kth, k)
		setSon(raw, kth, uid)
	} else {
		kk := key(raw, kth)
		setKey(raw, kth, k)
		shiftFrom(raw, kth+1)
		setKey(raw, kth+1, kk)
		setSon(raw, kth+1, uid)
	}
	setNKeys(raw, nk+1)
	return true
}

// split moves the upper half into a new right node linked as the sibling.
func (n *node) split() (uint64, uint64, error) {
	right := make([]byte, nodeSize)
	setLeaf(right, isLeaf(n.raw))
	setNKeys(right, balance)
	setSibling(right, sibling(n.raw))
	copyFrom(n.raw, right, balance)

	son, err := n.tree.items.Insert(txn.SuperXID, right)
	if err != nil {
		return 0, 0, err
	}
	setNKeys(n.raw, balance)
	setSibling(n.raw, son)
	n.tree.log.Debug("btree.split",
		zap.Uint64("node", n.uid),
		zap.Uint64("new_node", son),
		zap.Uint64("new_key", key(right, 0)))
	return son, key(right, 0), nil
}
