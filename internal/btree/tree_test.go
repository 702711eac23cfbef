package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novacore/internal/dataitem"
	"github.com/tuannm99/novacore/internal/storage"
)

const testCacheBytes = 256 * storage.PageSize

// noneActive reports every transaction as finished.
type noneActive struct{}

func (noneActive) IsActive(uint64) bool { return false }
func (noneActive) Abort(uint64) error   { return nil }

func newTestTree(t *testing.T) (*Tree, *dataitem.Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index")
	dm, err := dataitem.Create(path, testCacheBytes)
	require.NoError(t, err)

	boot, err := Create(dm)
	require.NoError(t, err)
	tree, err := Load(boot, dm)
	require.NoError(t, err)
	return tree, dm, path
}

func closeTree(t *testing.T, tree *Tree, dm *dataitem.Manager) {
	t.Helper()
	require.NoError(t, tree.Close())
	require.NoError(t, dm.Close())
}

func ref(k uint64) uint64 { return k*7 + 1 }

func TestTree_SequentialInsertRangeAndReopen(t *testing.T) {
	tree, dm, path := newTestTree(t)

	for k := range uint64(1000) {
		require.NoError(t, tree.Insert(k, ref(k)))
	}

	want := make([]uint64, 1000)
	for k := range want {
		want[k] = ref(uint64(k))
	}
	got, err := tree.SearchRange(0, 999)
	require.NoError(t, err)
	require.Equal(t, want, got)

	boot := tree.BootUID()
	closeTree(t, tree, dm)

	dm, err = dataitem.Open(path, testCacheBytes, noneActive{})
	require.NoError(t, err)
	tree, err = Load(boot, dm)
	require.NoError(t, err)
	defer closeTree(t, tree, dm)

	got, err = tree.SearchRange(0, 999)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestTree_RandomOrderMatchesSorted(t *testing.T) {
	keys := make([]uint64, 1500)
	for i := range keys {
		keys[i] = uint64(i * 3)
	}

	sorted, dm1, _ := newTestTree(t)
	defer closeTree(t, sorted, dm1)
	for _, k := range keys {
		require.NoError(t, sorted.Insert(k, ref(k)))
	}

	shuffled := slices.Clone(keys)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	random, dm2, _ := newTestTree(t)
	defer closeTree(t, random, dm2)
	for _, k := range shuffled {
		require.NoError(t, random.Insert(k, ref(k)))
	}

	for _, k := range []uint64{0, 3, 4, 300, 2997, 4497, 4500} {
		a, err := sorted.Search(k)
		require.NoError(t, err)
		b, err := random.Search(k)
		require.NoError(t, err)
		require.Equal(t, a, b, "key %d", k)
		if k%3 == 0 && k < 4500 {
			require.Equal(t, []uint64{ref(k)}, a)
		} else {
			require.Empty(t, a)
		}
	}

	for _, r := range [][2]uint64{{0, 4500}, {100, 200}, {1000, 1000}, {4400, 1 << 40}} {
		a, err := sorted.SearchRange(r[0], r[1])
		require.NoError(t, err)
		b, err := random.SearchRange(r[0], r[1])
		require.NoError(t, err)
		require.Equal(t, a, b)

		var want []uint64
		for _, k := range keys {
			if k >= r[0] && k <= r[1] {
				want = append(want, ref(k))
			}
		}
		require.Equal(t, want, a)
	}
}

func TestTree_DuplicateKeys(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	for i := range uint64(100) {
		require.NoError(t, tree.Insert(42, i))
		require.NoError(t, tree.Insert(i+100, i))
	}

	got, err := tree.Search(42)
	require.NoError(t, err)
	require.Len(t, got, 100)
	slices.Sort(got)
	for i, r := range got {
		require.Equal(t, uint64(i), r)
	}
}

func TestTree_DuplicatesAcrossSplits(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	// 70 copies split the leaf with the duplicate key promoted
	for i := range uint64(70) {
		require.NoError(t, tree.Insert(5, i))
	}
	require.NoError(t, tree.Insert(4, 1000))
	require.NoError(t, tree.Insert(6, 1001))

	got, err := tree.Search(5)
	require.NoError(t, err)
	require.Len(t, got, 70)
	slices.Sort(got)
	for i, r := range got {
		require.Equal(t, uint64(i), r)
	}

	got, err = tree.SearchRange(4, 6)
	require.NoError(t, err)
	require.Len(t, got, 72)
	require.Equal(t, uint64(1000), got[0])
	require.Equal(t, uint64(1001), got[71])
}

func TestTree_DuplicatesAcrossInternalSplits(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	// enough copies to split internal nodes on the duplicate key too
	const n = 3000
	for i := range uint64(n) {
		require.NoError(t, tree.Insert(9, i))
		if i%10 == 0 {
			require.NoError(t, tree.Insert(10+i, i))
		}
	}

	got, err := tree.Search(9)
	require.NoError(t, err)
	require.Len(t, got, n)

	got, err = tree.Search(10)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, got)
}

// The smallest legal page cache must hold a traversal plus the pinned boot
// item and page one.
func TestTree_MinimumCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	cacheBytes := int64(storage.MinCachePages * storage.PageSize)

	dm, err := dataitem.Create(path, cacheBytes)
	require.NoError(t, err)
	boot, err := Create(dm)
	require.NoError(t, err)
	tree, err := Load(boot, dm)
	require.NoError(t, err)

	for k := range uint64(1000) {
		require.NoError(t, tree.Insert(k, ref(k)))
	}
	want := make([]uint64, 1000)
	for k := range want {
		want[k] = ref(uint64(k))
	}
	got, err := tree.SearchRange(0, 999)
	require.NoError(t, err)
	require.Equal(t, want, got)
	closeTree(t, tree, dm)

	dm, err = dataitem.Open(path, cacheBytes, noneActive{})
	require.NoError(t, err)
	tree, err = Load(boot, dm)
	require.NoError(t, err)
	defer closeTree(t, tree, dm)

	got, err = tree.SearchRange(0, 999)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestTree_EmptyAndReservedKey(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	got, err := tree.SearchRange(0, MaxKey)
	require.NoError(t, err)
	require.Empty(t, got)

	require.ErrorIs(t, tree.Insert(MaxKey, 1), ErrKeyReserved)
	require.NoError(t, tree.Insert(MaxKey-1, 1))

	got, err = tree.Search(MaxKey - 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, got)
}

func TestTree_ConcurrentInsert(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	const workers, perWorker = 4, 500
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				k := uint64(i*workers + w)
				if err := tree.Insert(k, ref(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, err := tree.SearchRange(0, workers*perWorker)
	require.NoError(t, err)
	require.Len(t, got, workers*perWorker)
	for k, r := range got {
		require.Equal(t, ref(uint64(k)), r)
	}
}

func TestTree_ConcurrentReadersDuringInserts(t *testing.T) {
	tree, dm, _ := newTestTree(t)
	defer closeTree(t, tree, dm)

	for k := range uint64(200) {
		require.NoError(t, tree.Insert(k, ref(k)))
	}

	var g errgroup.Group
	g.Go(func() error {
		for k := uint64(200); k < 1200; k++ {
			if err := tree.Insert(k, ref(k)); err != nil {
				return err
			}
		}
		return nil
	})
	for range 3 {
		g.Go(func() error {
			for range 50 {
				got, err := tree.SearchRange(0, 199)
				if err != nil {
					return err
				}
				if len(got) != 200 {
					return fmt.Errorf("range read returned %d refs", len(got))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
