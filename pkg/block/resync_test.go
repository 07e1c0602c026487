package block

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newResyncTestManager(t *testing.T) *Manager {
	t.Helper()
	database := openTestDb(t)
	rc, err := database.Tree(rcTreeName)
	require.NoError(t, err)
	rq, err := database.Tree("block_resync_queue")
	require.NoError(t, err)
	re, err := database.Tree("block_resync_errors")
	require.NoError(t, err)
	rr, err := database.Tree("block_resync_retries")
	require.NoError(t, err)
	level := 3
	return &Manager{
		dataDir:          t.TempDir(),
		compressionLevel: &level,
		db:               database,
		rcTree:           rc,
		resyncQueue:      rq,
		resyncErrors:     re,
		resyncRetries:    rr,
		resyncWakeup:     make(chan struct{}, 1),
	}
}

func TestResyncKeyRoundTrip(t *testing.T) {
	var h Hash
	h[0], h[1] = 0x11, 0x22
	now := time.UnixMilli(1_700_000_000_123)
	key := resyncKey(now, h)
	gotTime, gotHash, err := parseResyncKey(key)
	require.NoError(t, err)
	require.Equal(t, now, gotTime)
	require.Equal(t, h, gotHash)
}

func TestScheduleResyncReplacesPriorEntry(t *testing.T) {
	m := newResyncTestManager(t)
	var h Hash
	h[0] = 7

	require.NoError(t, m.scheduleResync(h, time.Hour))
	require.NoError(t, m.scheduleResync(h, 0)) // reschedule sooner

	count := 0
	err := m.resyncQueue.Range(nil, nil, func(k, v []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count, "rescheduling must not leave a stale duplicate entry")
}

func TestResyncStepProcessesDueEntryInOrder(t *testing.T) {
	m := newResyncTestManager(t)
	var h1, h2 Hash
	h1[0], h2[0] = 1, 2

	require.NoError(t, m.scheduleResync(h1, 0))
	require.NoError(t, m.scheduleResync(h2, 0))

	// Neither block is needed (refcount zero) nor present on disk, so each
	// step should be a no-op drain rather than fetch/delete work, but the
	// queue must empty out.
	progressed := m.resyncStep(context.Background())
	require.True(t, progressed)

	var remaining []Hash
	require.NoError(t, m.resyncQueue.Range(nil, nil, func(k, v []byte) (bool, error) {
		_, hh, err := parseResyncKey(k)
		require.NoError(t, err)
		remaining = append(remaining, hh)
		return true, nil
	}))
	require.Equal(t, []Hash{h2}, remaining, "the earlier-keyed h1 must be processed first")

	progressed = m.resyncStep(context.Background())
	require.True(t, progressed)
	progressed = m.resyncStep(context.Background())
	require.False(t, progressed, "queue should be empty")
}

func TestResyncBackoffGrowsWithRetriesAndIsBounded(t *testing.T) {
	prev := resyncBackoff(0)
	require.GreaterOrEqual(t, prev, 10*time.Second)
	for retries := uint32(1); retries < 8; retries++ {
		d := resyncBackoff(retries)
		require.Greater(t, d, prev, "backoff must grow with retry count")
		prev = d
	}
	require.LessOrEqual(t, resyncBackoff(8), 30*time.Minute)
	require.LessOrEqual(t, resyncBackoff(30), 30*time.Minute, "must stay bounded for large retry counts")
}

func TestIncrResyncRetriesAccumulatesAndResets(t *testing.T) {
	m := newResyncTestManager(t)
	var h Hash
	h[0] = 3

	require.Equal(t, uint32(1), m.incrResyncRetries(h))
	require.Equal(t, uint32(2), m.incrResyncRetries(h))
	require.Equal(t, uint32(3), m.incrResyncRetries(h))

	m.resetResyncRetries(h)
	require.Equal(t, uint32(1), m.incrResyncRetries(h), "count must restart from 1 after a reset")
}

func TestRecordResyncErrorPersists(t *testing.T) {
	m := newResyncTestManager(t)
	var h Hash
	h[0] = 9
	m.recordResyncError(h, errTest{"disk full"})

	raw, ok, err := m.resyncErrors.Get(h[:])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "disk full", string(raw))
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
