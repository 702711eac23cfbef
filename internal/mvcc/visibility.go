package mvcc

import "github.com/tuannm99/novacore/internal/txn"

// Version is the pair of xids that bound an entry's lifetime. Xmax 0 means
// the entry has not been deleted.
type Version struct {
	Xmin uint64
	Xmax uint64
}

// IsVersionSkip reports whether the entry was superseded by a transaction t
// cannot see. Repeatable-read must abort instead of writing over it.
func IsVersionSkip(oracle txn.StatusOracle, t *Transaction, v Version) bool {
	if t.Level == ReadCommitted {
		return false
	}
	return oracle.IsCommitted(v.Xmax) && (v.Xmax > t.XID || t.InSnapshot(v.Xmax))
}

// IsVisible reports whether t may read the entry.
func IsVisible(oracle txn.StatusOracle, t *Transaction, v Version) bool {
	if t.Level == ReadCommitted {
		return readCommitted(oracle, t, v)
	}
	return repeatableRead(oracle, t, v)
}

func readCommitted(oracle txn.StatusOracle, t *Transaction, v Version) bool {
	if v.Xmin == t.XID && v.Xmax == 0 {
		return true
	}
	if !oracle.IsCommitted(v.Xmin) {
		return false
	}
	if v.Xmax == 0 {
		return true
	}
	return v.Xmax != t.XID && !oracle.IsCommitted(v.Xmax)
}

func repeatableRead(oracle txn.StatusOracle, t *Transaction, v Version) bool {
	if v.Xmin == t.XID && v.Xmax == 0 {
		return true
	}
	if !oracle.IsCommitted(v.Xmin) || v.Xmin >= t.XID || t.InSnapshot(v.Xmin) {
		return false
	}
	if v.Xmax == 0 {
		return true
	}
	if v.Xmax == t.XID {
		return false
	}
	return !oracle.IsCommitted(v.Xmax) || v.Xmax > t.XID || t.InSnapshot(v.Xmax)
}
