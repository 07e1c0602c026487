package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	level := 3
	return &Manager{
		dataDir:          t.TempDir(),
		compressionLevel: &level,
		db:               openTestDb(t), // quarantine() schedules a resync, which needs a real db
		resyncWakeup:     make(chan struct{}, 1),
	}
}

func TestWriteReadBlockRoundTrip(t *testing.T) {
	m := newTestManager(t)
	data := []byte("hello world, this is a test block")
	h := HashBytes(data)
	blk := encodeBlock(data, m.compressionLevel)

	lock := m.lockFor(h)
	lock.Lock()
	require.NoError(t, m.writeBlockLocked(h, blk))
	got, err := m.readBlockLocked(h)
	lock.Unlock()

	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteBlockUncompressedWhenDisabled(t *testing.T) {
	m := newTestManager(t)
	m.compressionLevel = nil
	data := []byte("plain bytes")
	h := HashBytes(data)
	blk := encodeBlock(data, m.compressionLevel)
	require.False(t, blk.Compressed)

	lock := m.lockFor(h)
	lock.Lock()
	defer lock.Unlock()
	require.NoError(t, m.writeBlockLocked(h, blk))
	compressed, ok := m.onDiskFormLocked(h)
	require.True(t, ok)
	require.False(t, compressed)
}

func TestWriteBlockSwitchesCompressedForm(t *testing.T) {
	m := newTestManager(t)
	data := []byte("switchable block contents")
	h := HashBytes(data)

	lock := m.lockFor(h)
	lock.Lock()
	require.NoError(t, m.writeBlockLocked(h, wireBlock{Compressed: false, Data: data}))
	compressed, ok := m.onDiskFormLocked(h)
	require.True(t, ok)
	require.False(t, compressed)

	newBlk := encodeBlock(data, m.compressionLevel)
	require.NoError(t, m.writeBlockLocked(h, newBlk))
	compressed, ok = m.onDiskFormLocked(h)
	lock.Unlock()
	require.True(t, ok)
	require.True(t, compressed)

	_, statErr := os.Stat(m.blockPath(h, false))
	require.Error(t, statErr, "old uncompressed form must be removed after switching")
}

func TestReadBlockQuarantinesCorruption(t *testing.T) {
	m := newTestManager(t)
	data := []byte("some data that will be corrupted on disk")
	h := HashBytes(data)
	blk := encodeBlock(data, m.compressionLevel)

	lock := m.lockFor(h)
	lock.Lock()
	require.NoError(t, m.writeBlockLocked(h, blk))

	// Corrupt the stored file directly.
	path := m.blockPath(h, true)
	require.NoError(t, writeBlockFile(path, append(blk.Data, 0xFF)))

	_, err := m.readBlockLocked(h)
	lock.Unlock()
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.Error(t, statErr, "corrupted file must be moved aside")
	_, statErr = os.Stat(path + ".corrupted")
	require.NoError(t, statErr)

	queue, err := m.db.Tree("block_resync_queue")
	require.NoError(t, err)
	queued := 0
	require.NoError(t, queue.Range(nil, nil, func(k, v []byte) (bool, error) {
		queued++
		return true, nil
	}))
	require.Equal(t, 1, queued, "corruption must enqueue a resync for the hash")
}

func TestBlockDirLayout(t *testing.T) {
	m := newTestManager(t)
	var h Hash
	h[0] = 0xAB
	h[1] = 0xCD
	want := filepath.Join(m.dataDir, "ab", "cd")
	require.Equal(t, want, m.blockDir(h))
}
