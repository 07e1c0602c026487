package block

import (
	"context"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"os"
	"time"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
)

// resyncKey packs the queue's sort order: earliest next_try_time_ms first,
// hash as a tiebreak (§4.4).
func resyncKey(nextTry time.Time, h Hash) []byte {
	key := make([]byte, 8+len(h))
	binary.BigEndian.PutUint64(key[0:8], uint64(nextTry.UnixMilli()))
	copy(key[8:], h[:])
	return key
}

func parseResyncKey(key []byte) (time.Time, Hash, error) {
	var h Hash
	if len(key) != 8+len(h) {
		return time.Time{}, h, fmt.Errorf("malformed resync key of %d bytes", len(key))
	}
	ms := binary.BigEndian.Uint64(key[0:8])
	copy(h[:], key[8:])
	return time.UnixMilli(int64(ms)), h, nil
}

// scheduleResync (re)inserts h into the resync queue with the given delay.
// Any existing entry for h is removed first via a hash→key index, so a hash
// never has more than one pending queue row.
func (m *Manager) scheduleResync(h Hash, delay time.Duration) error {
	_, err := m.db.Transaction(func(tx db.Tx) (interface{}, error) {
		idx, err := tx.Tree("block_resync_index")
		if err != nil {
			return nil, err
		}
		queue, err := tx.Tree("block_resync_queue")
		if err != nil {
			return nil, err
		}
		if old, ok, gerr := idx.Get(h[:]); gerr == nil && ok {
			queue.Remove(old)
		}
		newKey := resyncKey(time.Now().Add(delay), h)
		if _, err := queue.Insert(newKey, []byte{0}); err != nil {
			return nil, err
		}
		if _, err := idx.Insert(h[:], newKey); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("schedule resync for %s: %w", hexHash(h), err)
	}
	metrics.ResyncQueueLength.Inc()
	select {
	case m.resyncWakeup <- struct{}{}:
	default:
	}
	return nil
}

// RunResyncWorkers starts n goroutines popping the resync queue in key
// order until ctx is cancelled. Multiple workers naturally partition work
// because the queue key embeds the hash (§5): if two pop the same hash, the
// per-hash striped lock serializes their disk access.
func (m *Manager) RunResyncWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go m.resyncWorkerLoop(ctx)
	}
}

func (m *Manager) resyncWorkerLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.resyncWakeup:
		}
		for m.resyncStep(ctx) {
		}
	}
}

// resyncStep pops and processes at most one ready entry; returns true if it
// did useful work (so the caller can loop without waiting for the ticker).
func (m *Manager) resyncStep(ctx context.Context) bool {
	var (
		found   bool
		key     []byte
		h       Hash
		dueTime time.Time
	)
	err := m.resyncQueue.Range(nil, resyncKey(time.Now(), Hash{}), func(k, v []byte) (bool, error) {
		t, hh, perr := parseResyncKey(k)
		if perr != nil {
			return true, nil
		}
		key, h, dueTime, found = append([]byte(nil), k...), hh, t, true
		return false, nil
	})
	if err != nil || !found {
		return false
	}

	m.processResyncEntry(ctx, h, dueTime)
	m.resyncQueue.Remove(key)
	metrics.ResyncQueueLength.Dec()
	return true
}

func (m *Manager) processResyncEntry(ctx context.Context, h Hash, scheduledAt time.Time) {
	lock := m.lockFor(h)
	lock.Lock()
	exists := m.existsLocked(h)
	lock.Unlock()

	count, err := m.refcount(h)
	if err != nil {
		m.recordResyncError(h, err)
		return
	}
	needed := count > 0

	switch {
	case needed && !exists:
		m.resyncFetch(ctx, h)
	case !needed && exists:
		m.resyncMaybeDelete(ctx, h)
	default:
		// exists && needed, or !exists && !needed: nothing to do
	}
}

// resyncFetch fetches the block's verified plaintext via GetStream and
// writes it locally re-encoded under this node's own compression settings;
// on total failure the entry is rescheduled with exponential backoff and
// the error recorded.
func (m *Manager) resyncFetch(ctx context.Context, h Hash) {
	data, err := m.GetBytes(ctx, h)
	if err != nil {
		retries := m.incrResyncRetries(h)
		if rerr := m.scheduleResync(h, resyncBackoff(retries)); rerr != nil {
			log.Logger.Warn().Err(rerr).Str("hash", hexHash(h)).Msg("failed to reschedule block resync")
		}
		m.recordResyncError(h, err)
		return
	}

	lock := m.lockFor(h)
	werr := func() error {
		lock.Lock()
		defer lock.Unlock()
		return m.writeBlockLocked(h, encodeBlock(data, m.compressionLevel))
	}()
	if werr != nil {
		retries := m.incrResyncRetries(h)
		if rerr := m.scheduleResync(h, resyncBackoff(retries)); rerr != nil {
			log.Logger.Warn().Err(rerr).Str("hash", hexHash(h)).Msg("failed to reschedule block resync")
		}
		m.recordResyncError(h, werr)
		return
	}
	m.resetResyncRetries(h)
	metrics.BlocksOnDisk.Inc()
}

// resyncMaybeDelete deletes a locally-stored, no-longer-needed block once a
// write quorum of the replica set has confirmed it doesn't need a copy from
// us, and the grace delay has elapsed; otherwise it pushes the block to
// whichever replicas do still need it.
func (m *Manager) resyncMaybeDelete(ctx context.Context, h Hash) {
	deletable, err := m.deletableSince(h, time.Now())
	if err != nil || !deletable {
		return
	}

	nodes := m.ringFn().WriteNodes(h)
	var needy []ring.NodeID
	confirmedNotNeeded := 0
	for _, n := range nodes {
		resp, err := rpc.Call[NeedBlockRequest, NeedBlockResponse](ctx, m.needBlockEndpoint, n, NeedBlockRequest{Hash: h}, rpc.CallOptions{Timeout: BlockRWTimeout})
		if err != nil {
			continue
		}
		if resp.Needed {
			needy = append(needy, n)
		} else {
			confirmedNotNeeded++
		}
	}
	if confirmedNotNeeded < m.writeQuorum {
		m.pushToNodes(ctx, h, needy)
		return
	}

	lock := m.lockFor(h)
	lock.Lock()
	defer lock.Unlock()
	compressed, ok := m.onDiskFormLocked(h)
	if !ok {
		return
	}
	if err := os.Remove(m.blockPath(h, compressed)); err != nil {
		log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("failed to delete unneeded block")
		return
	}
	metrics.BlocksOnDisk.Dec()
}

// pushToNodes sends a locally-stored block to peers that reported needing
// it, best-effort.
func (m *Manager) pushToNodes(ctx context.Context, h Hash, nodes []ring.NodeID) {
	if len(nodes) == 0 {
		return
	}
	lock := m.lockFor(h)
	lock.Lock()
	data, err := m.readBlockLocked(h)
	lock.Unlock()
	if err != nil {
		return
	}
	blk := encodeBlock(data, m.compressionLevel)
	for _, n := range nodes {
		_, _ = rpc.Call[PutBlockRequest, PutBlockResponse](ctx, m.putBlockEndpoint, n, PutBlockRequest{Hash: h, Block: blk}, rpc.CallOptions{Timeout: BlockRWTimeout})
	}
}

// resyncBackoff grows exponentially with the entry's retry count, bounded
// at max, per §4.4 ("reinsert with exponential backoff, bounded"). retries
// is the count *after* the failure that triggered this reschedule, so the
// first retry already waits 2x base rather than retrying immediately.
func resyncBackoff(retries uint32) time.Duration {
	const (
		base = 10 * time.Second
		max  = 30 * time.Minute
	)
	shift := retries
	if shift > 10 { // 2^11 * base already exceeds max; avoid overflow
		shift = 10
	}
	d := base << shift
	if d > max {
		d = max
	}
	// Jitter up to 10% of the computed delay so many nodes resyncing the
	// same block don't retry in lockstep; still clamped to max.
	jitter := time.Duration(mrand.Int63n(int64(d)/10 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}

// incrResyncRetries increments and returns the persisted retry count for h.
func (m *Manager) incrResyncRetries(h Hash) uint32 {
	count := uint32(1)
	if raw, ok, err := m.resyncRetries.Get(h[:]); err == nil && ok && len(raw) == 4 {
		count = binary.BigEndian.Uint32(raw) + 1
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count)
	if _, err := m.resyncRetries.Insert(h[:], buf[:]); err != nil {
		log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("failed to persist resync retry count")
	}
	return count
}

// resetResyncRetries clears h's retry count after a successful resync.
func (m *Manager) resetResyncRetries(h Hash) {
	m.resyncRetries.Remove(h[:])
}

func (m *Manager) recordResyncError(h Hash, err error) {
	m.resyncErrors.Insert(h[:], []byte(err.Error()))
}
