package block

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewScrubStateDefaultsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrub_info")
	s := newScrubState(path)
	require.Equal(t, 4, s.snapshot().Tranquility)

	s.setTranquility(10)
	reloaded := newScrubState(path)
	require.Equal(t, 10, reloaded.snapshot().Tranquility)
}

func TestScrubStateRecordsCorruptionAndCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrub_info")
	s := newScrubState(path)

	s.recordCorruption()
	s.recordCorruption()
	require.Equal(t, uint64(2), s.snapshot().CorruptionsDetected)

	require.True(t, s.snapshot().TimeLastCompleteScrub.IsZero())
	s.recordComplete()
	require.False(t, s.snapshot().TimeLastCompleteScrub.IsZero())
}

func TestRunScrubPassDetectsCorruption(t *testing.T) {
	m := newTestManager(t)
	m.scrub = newScrubState(filepath.Join(t.TempDir(), "scrub_info"))

	good := []byte("perfectly fine block")
	hGood := HashBytes(good)
	blk := encodeBlock(good, m.compressionLevel)
	lock := m.lockFor(hGood)
	lock.Lock()
	require.NoError(t, m.writeBlockLocked(hGood, blk))
	lock.Unlock()

	var hBad Hash
	hBad[0], hBad[1] = 0xee, 0xff
	writeFakeBlockFile(t, m.dataDir, hBad, false)

	stop := make(chan struct{})
	require.True(t, m.runScrubPass(stop))
	require.Equal(t, uint64(1), m.scrub.snapshot().CorruptionsDetected)

	queue, err := m.db.Tree("block_resync_queue")
	require.NoError(t, err)
	queued := 0
	require.NoError(t, queue.Range(nil, nil, func(k, v []byte) (bool, error) {
		queued++
		return true, nil
	}))
	require.Equal(t, 1, queued, "corruption detected during scrub must enqueue a resync")
}
