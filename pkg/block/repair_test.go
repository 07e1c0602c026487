package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/db"
)

func TestBlockStoreIteratorFindsBlocksAndSkipsJunk(t *testing.T) {
	root := t.TempDir()

	var h1, h2 Hash
	h1[0], h1[1] = 0xaa, 0xbb
	h2[0], h2[1] = 0xcc, 0xdd
	for i := 2; i < len(h1); i++ {
		h1[i] = byte(i)
		h2[i] = byte(i + 1)
	}

	writeFakeBlockFile(t, root, h1, false)
	writeFakeBlockFile(t, root, h2, true)

	// Junk that must be skipped: a non-hex-named directory and a short file.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "zz"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0600))

	it := newBlockStoreIterator(root)
	found := map[Hash]bool{}
	for {
		h, ok, err := it.next()
		require.NoError(t, err)
		if !ok {
			break
		}
		found[h] = true
	}
	require.True(t, found[h1])
	require.True(t, found[h2])
	require.Len(t, found, 2)
}

func writeFakeBlockFile(t *testing.T, root string, h Hash, compressed bool) {
	t.Helper()
	m := &Manager{dataDir: root}
	path := m.blockPath(h, compressed)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("block bytes"), 0600))
}

func TestRepairPhaseOnDiskSchedulesOrphans(t *testing.T) {
	m := newResyncTestManager(t)
	var h Hash
	h[0], h[1] = 1, 2
	for i := 2; i < len(h); i++ {
		h[i] = byte(i)
	}
	writeFakeBlockFile(t, m.dataDir, h, false)

	stop := make(chan struct{})
	require.NoError(t, m.repairPhaseOnDisk(stop))

	count := 0
	err := m.resyncQueue.Range(nil, nil, func(k, v []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRepairPhaseRefcountsSchedulesEveryEntry(t *testing.T) {
	m := newResyncTestManager(t)
	for i := byte(1); i <= 3; i++ {
		var h Hash
		h[0] = i
		_, err := m.db.Transaction(func(tx db.Tx) (interface{}, error) {
			return increfTx(tx, h)
		})
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	require.NoError(t, m.repairPhaseRefcounts(stop))

	count := 0
	err := m.resyncQueue.Range(nil, nil, func(k, v []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
