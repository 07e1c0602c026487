// Package table implements the C5-C9 contract: per-table storage over a
// Db, an incrementally maintained Merkle trie for anti-entropy, a syncer
// that reconciles replicas via the trie, a tombstone GC worker, and the
// quorum-I/O facade applications call. Grounded on original_source/src/table
// (sync.rs, replication/sharded.rs); garage_rpc's MessagePack entry codec is
// mirrored here with the same handle-reuse shape pkg/rpc/msgpack.go uses.
package table

import (
	"context"
	"fmt"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/rpc"
)

// Table is the public facade applications call: quorum-replicated
// insert/get/range over a CRDT-merged entry type, per §4.9.
type Table[E any] struct {
	name   string
	schema Schema[E]
	repl   Replication
	sys    *rpc.System
	self   rpc.NodeID

	data   *Data[E]
	merkle *Updater[E]
	syncer *Syncer[E]
	gc     *Gc[E]
	ep     *endpoints[E]
}

// New builds a table named name, opening its trees in database and
// registering its RPC endpoints on sys. Callers still need to start
// RunBackgroundWorkers to get Merkle maintenance, anti-entropy and GC.
func New[E any](name string, schema Schema[E], repl Replication, database db.Db, sys *rpc.System, self rpc.NodeID) (*Table[E], error) {
	data, err := NewData[E](name, schema, repl, database)
	if err != nil {
		return nil, err
	}
	t := &Table[E]{
		name:   name,
		schema: schema,
		repl:   repl,
		sys:    sys,
		self:   self,
		data:   data,
		merkle: NewUpdater[E](data),
	}
	t.syncer = newSyncer[E](t)
	t.gc = newGc[E](t)
	t.ep = registerEndpoints[E](t)
	return t, nil
}

// RunBackgroundWorkers starts the Merkle updater, the anti-entropy
// scheduler/workers, and the GC loop. Returns once stop fires.
func (t *Table[E]) RunBackgroundWorkers(ctx context.Context, stop <-chan struct{}) {
	go t.merkle.RunLoop(stop)
	go t.syncer.RunLoop(ctx, stop)
	go t.gc.RunLoop(ctx, stop)
}

// Insert writes entry to its replica set with a write quorum, per §4.9.
func (t *Table[E]) Insert(ctx context.Context, entry E) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableInsertDuration, t.name)

	p := t.schema.PartitionKey(entry)
	nodes := t.repl.WriteNodes(p)
	_, _, err := rpc.TryCallMany[UpdateRequest[E], UpdateResponse](ctx, t.ep.update, nodes, UpdateRequest[E]{Items: []E{entry}}, t.repl.WriteQuorum(), rpc.QuorumWaitForAll, rpc.CallOptions{Priority: rpc.PriorityNormal})
	return err
}

// InsertMany buckets entries by replica set and issues one Update per
// bucket, aggregating errors.
func (t *Table[E]) InsertMany(ctx context.Context, entries []E) error {
	buckets := make(map[string][]rpc.NodeID)
	items := make(map[string][]E)
	for _, e := range entries {
		p := t.schema.PartitionKey(e)
		nodes := t.repl.WriteNodes(p)
		key := nodeSetKey(nodes)
		buckets[key] = nodes
		items[key] = append(items[key], e)
	}

	var errs []error
	for key, nodes := range buckets {
		_, _, err := rpc.TryCallMany[UpdateRequest[E], UpdateResponse](ctx, t.ep.update, nodes, UpdateRequest[E]{Items: items[key]}, t.repl.WriteQuorum(), rpc.QuorumWaitForAll, rpc.CallOptions{Priority: rpc.PriorityNormal})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("insert_many: %d of %d buckets failed: %w", len(errs), len(buckets), errs[0])
	}
	return nil
}

// Get fetches (partition, sort) at read quorum, CRDT-merges the responses,
// best-effort read-repairs any discrepancy, applies Schema.Filter and
// returns the result. A nil, nil result means the row doesn't exist (or is
// filtered out).
func (t *Table[E]) Get(ctx context.Context, partition, sort []byte) (*E, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableGetDuration, t.name)

	nodes := t.repl.ReadNodes(partition)
	resps, _, err := rpc.TryCallMany[ReadEntryRequest, ReadEntryResponse[E]](ctx, t.ep.readEntry, nodes, ReadEntryRequest{Partition: partition, Sort: sort}, t.repl.ReadQuorum(), rpc.QuorumInterruptAfterQuorum, rpc.CallOptions{Priority: rpc.PriorityNormal})
	if err != nil {
		return nil, err
	}

	var best *E
	differs := false
	for _, r := range resps {
		if !r.Found {
			continue
		}
		v := r.Value
		if best == nil {
			best = &v
			continue
		}
		merged := t.schema.Merge(*best, v)
		if !entryEqual(merged, *best) {
			differs = true
		}
		best = &merged
	}

	if best != nil && differs {
		go t.readRepair(context.Background(), nodes, *best)
	}

	if best == nil || !t.schema.Filter(*best) {
		return nil, nil
	}
	return best, nil
}

// GetRange fans out ReadRange to the partition's replicas, merges returned
// rows by sort key, re-applies filter/limit on the merged result, and
// read-repairs discrepancies.
func (t *Table[E]) GetRange(ctx context.Context, partition, start []byte, onlyLive bool, limit int) ([]E, error) {
	nodes := t.repl.ReadNodes(partition)
	resps, _, err := rpc.TryCallMany[ReadRangeRequest, ReadRangeResponse[E]](ctx, t.ep.readRange, nodes, ReadRangeRequest{Partition: partition, Start: start, Limit: limit, OnlyLive: onlyLive}, t.repl.ReadQuorum(), rpc.QuorumWaitForAll, rpc.CallOptions{Priority: rpc.PriorityNormal})
	if err != nil {
		return nil, err
	}

	merged := map[string]E{}
	for _, r := range resps {
		for _, e := range r.Items {
			s := string(t.schema.SortKey(e))
			if cur, ok := merged[s]; ok {
				merged[s] = t.schema.Merge(cur, e)
			} else {
				merged[s] = e
			}
		}
	}

	out := make([]E, 0, len(merged))
	for _, e := range merged {
		if onlyLive && !t.schema.Filter(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	// Best-effort repair: push the merged view back everywhere, bounded by
	// the same fire-and-forget discipline as Get's single-row path.
	for _, e := range merged {
		go t.readRepair(context.Background(), nodes, e)
	}
	return out, nil
}

// LocalRangeFrom walks this node's local copy of the table in key order,
// independent of partition boundaries, resuming from cursor. It's the
// resumable-cursor primitive background repair passes scan with so they
// coexist with live traffic instead of holding a long-lived snapshot.
func (t *Table[E]) LocalRangeFrom(cursor []byte, batchSize int) (entries []E, partitions, sorts [][]byte, next []byte, err error) {
	return t.data.RangeFrom(cursor, batchSize)
}

// readRepair pushes best to every node in nodes, fire-and-forget. Must
// never block a caller's response and must not propagate peer failures.
func (t *Table[E]) readRepair(ctx context.Context, nodes []rpc.NodeID, best E) {
	for _, n := range nodes {
		n := n
		go func() {
			_, err := rpc.Call[UpdateRequest[E], UpdateResponse](ctx, t.ep.update, n, UpdateRequest[E]{Items: []E{best}}, rpc.CallOptions{Priority: rpc.PriorityBackground})
			if err != nil {
				log.WithTable(t.name).Debug().Err(err).Str("node", n.String()).Msg("read repair: peer unreachable")
			}
		}()
	}
}

func entryEqual(a, b E) bool {
	ra, errA := marshal(a)
	rb, errB := marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytesEqual(ra, rb)
}

func nodeSetKey(nodes []rpc.NodeID) string {
	key := make([]byte, 0, len(nodes)*16)
	for _, n := range nodes {
		key = append(key, n[:]...)
	}
	return string(key)
}
