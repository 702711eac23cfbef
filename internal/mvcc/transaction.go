// Package mvcc decides which record versions a transaction may see and
// serializes conflicting deletes through the lock table.
package mvcc

import "github.com/tuannm99/novacore/internal/txn"

// Level is a transaction isolation level.
type Level int

const (
	ReadCommitted Level = iota
	RepeatableRead
)

func (l Level) String() string {
	switch l {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	default:
		return "unknown"
	}
}

// Transaction is the per-xid view used by the visibility checks. Under
// repeatable-read it remembers which xids were active when it began.
type Transaction struct {
	XID   uint64
	Level Level

	snapshot map[uint64]struct{}

	// set when the manager aborted the transaction on its behalf
	err         error
	autoAborted bool
}

// NewTransaction builds the snapshot for xid from the currently active
// transactions.
func NewTransaction(xid uint64, level Level, active map[uint64]*Transaction) *Transaction {
	t := &Transaction{XID: xid, Level: level}
	if level != ReadCommitted {
		t.snapshot = make(map[uint64]struct{}, len(active))
		for x := range active {
			t.snapshot[x] = struct{}{}
		}
	}
	return t
}

// InSnapshot reports whether xid was active when t began.
func (t *Transaction) InSnapshot(xid uint64) bool {
	if xid == txn.SuperXID {
		return false
	}
	_, ok := t.snapshot[xid]
	return ok
}

// Err is the error that aborted t, if any.
func (t *Transaction) Err() error { return t.err }
