package table

import (
	"context"
	"time"

	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
)

// tableGcDelay is how long a tombstone sits in gc_todo before collection is
// attempted, giving anti-entropy time to propagate it to every replica
// first (§4.8).
const tableGcDelay = 24 * time.Hour

const gcBatchSize = 64

// Gc collects tombstones once every replica has them and still agrees on
// their exact bytes, per §4.8.
type Gc[E any] struct {
	table *Table[E]
}

func newGc[E any](t *Table[E]) *Gc[E] {
	return &Gc[E]{table: t}
}

// RunLoop runs one collection pass every tableGcDelay/4 (frequent enough
// that a tombstone isn't held much past its due time, infrequent enough
// that the gc_todo scan isn't constant background load) until stop fires.
func (g *Gc[E]) RunLoop(ctx context.Context, stop <-chan struct{}) {
	interval := tableGcDelay / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := g.RunPass(ctx); err != nil {
				log.WithTable(g.table.name).Warn().Err(err).Msg("gc pass failed")
			}
		}
	}
}

// RunPass reads up to gcBatchSize due entries from gc_todo and attempts to
// collect each, per §4.8's three-step protocol.
func (g *Gc[E]) RunPass(ctx context.Context) error {
	cutoff := gcTodoKey(time.Now().Add(-tableGcDelay), nil)

	var keys, valueHashes [][]byte
	err := g.table.data.gcTodo.Range(nil, cutoff, func(k, v []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), k...))
		valueHashes = append(valueHashes, append([]byte(nil), v...))
		return len(keys) < gcBatchSize, nil
	})
	if err != nil {
		return err
	}

	for i, gk := range keys {
		if err := g.collectOne(ctx, gk, valueHashes[i]); err != nil {
			log.WithTable(g.table.name).Warn().Err(err).Msg("gc: collect entry failed")
		}
	}
	return nil
}

func (g *Gc[E]) collectOne(ctx context.Context, gcKey, expectedHash []byte) error {
	_, treeKeyBytes := splitGcTodoKey(gcKey)
	partition, sort := splitTreeKey(treeKeyBytes)

	v, err := g.table.data.Get(partition, sort)
	if err != nil {
		return err
	}
	if v == nil {
		_, err := g.table.data.gcTodo.Remove(gcKey)
		return err
	}

	raw, err := marshal(*v)
	if err != nil {
		return err
	}
	curHash := ring.HashBytes(raw)
	if !bytesEqual(curHash[:], expectedHash) {
		// Row changed since the tombstone was queued: drop the stale
		// gc_todo entry and let whatever superseded it follow its own
		// lifecycle (a fresh tombstone re-queues itself).
		_, err := g.table.data.gcTodo.Remove(gcKey)
		return err
	}

	nodes := g.table.repl.WriteNodes(partition)
	var peers []rpc.NodeID
	for _, n := range nodes {
		if n != g.table.self {
			peers = append(peers, n)
		}
	}
	if len(peers) > 0 {
		_, _, err := rpc.TryCallMany[UpdateRequest[E], UpdateResponse](ctx, g.table.ep.update, peers, UpdateRequest[E]{Items: []E{*v}}, len(peers), rpc.QuorumWaitForAll, rpc.CallOptions{Priority: rpc.PriorityBackground})
		if err != nil {
			return err
		}
	}

	removedCount := 0
	for _, n := range nodes {
		if n == g.table.self {
			removed, err := g.table.data.DeleteIfEqual(partition, sort, raw)
			if err != nil {
				return err
			}
			if removed {
				removedCount++
			}
			continue
		}
		resp, err := rpc.Call[DeleteIfEqualRequest, DeleteIfEqualResponse](ctx, g.table.ep.deleteIfEqual, n, DeleteIfEqualRequest{Partition: partition, Sort: sort, Expected: raw}, rpc.CallOptions{Priority: rpc.PriorityBackground})
		if err != nil {
			log.WithTable(g.table.name).Debug().Err(err).Str("node", n.String()).Msg("gc: delete_if_equal peer error")
			continue
		}
		if resp.Removed {
			removedCount++
		}
	}

	metrics.TableGcTombstonesTotal.WithLabelValues(g.table.name).Add(float64(removedCount))
	_, err = g.table.data.gcTodo.Remove(gcKey)
	return err
}

func splitGcTodoKey(key []byte) (insertedAt time.Time, treeKey []byte) {
	if len(key) < 8 {
		return time.Time{}, nil
	}
	return gcTodoInsertedAt(key), key[8:]
}
