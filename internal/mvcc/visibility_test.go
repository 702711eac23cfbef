package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novacore/internal/txn"
)

type fakeOracle map[uint64]bool

func (o fakeOracle) IsCommitted(xid uint64) bool { return xid == txn.SuperXID || o[xid] }

func TestTransaction_Snapshot(t *testing.T) {
	active := map[uint64]*Transaction{
		txn.SuperXID: nil,
		3:            nil,
		4:            nil,
	}

	rr := NewTransaction(5, RepeatableRead, active)
	require.True(t, rr.InSnapshot(3))
	require.True(t, rr.InSnapshot(4))
	require.False(t, rr.InSnapshot(2))
	require.False(t, rr.InSnapshot(txn.SuperXID))

	rc := NewTransaction(5, ReadCommitted, active)
	require.False(t, rc.InSnapshot(3))
	require.NoError(t, rc.Err())
}

func TestVisibility_ReadCommitted(t *testing.T) {
	oracle := fakeOracle{1: true, 2: true, 4: true}
	tx := NewTransaction(5, ReadCommitted, nil)

	cases := []struct {
		name    string
		v       Version
		visible bool
	}{
		{"own insert", Version{5, 0}, true},
		{"own insert deleted by self", Version{5, 5}, false},
		{"committed creator", Version{2, 0}, true},
		{"uncommitted creator", Version{3, 0}, false},
		{"deleted by uncommitted other", Version{2, 3}, true},
		{"deleted by committed other", Version{2, 4}, false},
		{"deleted by self", Version{2, 5}, false},
		{"created by super", Version{txn.SuperXID, 0}, true},
		// read-committed sees commits made after it began
		{"committed later creator", Version{1, 0}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.visible, IsVisible(oracle, tx, c.v))
			require.False(t, IsVersionSkip(oracle, tx, c.v))
		})
	}
}

func TestVisibility_RepeatableRead(t *testing.T) {
	// 3 and 4 were running when 5 began; 4 and 6 committed since.
	oracle := fakeOracle{1: true, 2: true, 4: true, 6: true}
	tx := NewTransaction(5, RepeatableRead, map[uint64]*Transaction{3: nil, 4: nil})

	cases := []struct {
		name    string
		v       Version
		visible bool
		skip    bool
	}{
		{"own insert", Version{5, 0}, true, false},
		{"committed before start", Version{2, 0}, true, false},
		{"created by super", Version{txn.SuperXID, 0}, true, false},
		{"creator concurrent at start", Version{4, 0}, false, false},
		{"creator started later", Version{6, 0}, false, false},
		{"creator uncommitted", Version{3, 0}, false, false},
		{"deleted by concurrent committed", Version{2, 4}, true, true},
		{"deleted by later committed", Version{2, 6}, true, true},
		{"deleted before start", Version{2, 1}, false, false},
		{"deleted by uncommitted", Version{2, 3}, true, false},
		{"deleted by self", Version{2, 5}, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.visible, IsVisible(oracle, tx, c.v))
			require.Equal(t, c.skip, IsVersionSkip(oracle, tx, c.v))
		})
	}
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "read-committed", ReadCommitted.String())
	require.Equal(t, "repeatable-read", RepeatableRead.String())
	require.Equal(t, "unknown", Level(7).String())
}
