package model

import (
	"context"
	"fmt"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/table"
)

// NodeCount is one node's view of a named counter: a local sequence number
// (so merge can pick the most recent write per node, not the largest value)
// and the signed count itself.
type NodeCount struct {
	LocalSeq uint64
	Count    int64
}

// CounterValue is the per-name entry of a CounterEntry: one NodeCount per
// node that has ever incremented it, keyed by hex node id.
type CounterValue struct {
	NodeValues map[string]NodeCount
}

func mergeCounterValue(a, b CounterValue) CounterValue {
	out := CounterValue{NodeValues: make(map[string]NodeCount, len(a.NodeValues)+len(b.NodeValues))}
	for n, v := range a.NodeValues {
		out.NodeValues[n] = v
	}
	for n, v2 := range b.NodeValues {
		if v1, ok := out.NodeValues[n]; !ok || v2.LocalSeq > v1.LocalSeq {
			out.NodeValues[n] = v2
		}
	}
	return out
}

// CounterEntry is a per-bucket, per-partition-key counter row: a map from
// counter name (e.g. "objects", "bytes", "unfinished_uploads") to its
// per-node vector, per spec §3.5. Grounded on
// original_source/src/model/index_counter.rs's CounterEntry/CounterValue.
type CounterEntry struct {
	Partition []byte
	Sort      []byte
	Values    map[string]CounterValue
}

// FilteredValues sums each counter's per-node values, restricted to nodes
// for which inRing reports true — a node that has left the ring no longer
// contributes to the aggregate, per spec §3.5.
func (e CounterEntry) FilteredValues(inRing func(ring.NodeID) bool) map[string]int64 {
	out := make(map[string]int64, len(e.Values))
	for name, v := range e.Values {
		var sum int64
		var any bool
		for nodeHex, nc := range v.NodeValues {
			n, err := ring.ParseNodeID(nodeHex)
			if err != nil || !inRing(n) {
				continue
			}
			sum += nc.Count
			any = true
		}
		if any {
			out[name] = sum
		}
	}
	return out
}

// CounterSchema implements table.Schema[CounterEntry].
type CounterSchema struct{}

func (CounterSchema) PartitionKey(e CounterEntry) []byte { return e.Partition }
func (CounterSchema) SortKey(e CounterEntry) []byte      { return e.Sort }

func (CounterSchema) Merge(a, b CounterEntry) CounterEntry {
	out := CounterEntry{Partition: a.Partition, Sort: a.Sort, Values: make(map[string]CounterValue, len(a.Values))}
	for name, v := range a.Values {
		out.Values[name] = v
	}
	for name, v2 := range b.Values {
		if v1, ok := out.Values[name]; ok {
			out.Values[name] = mergeCounterValue(v1, v2)
		} else {
			out.Values[name] = v2
		}
	}
	return out
}

// IsTombstone reports true once every node's count for every counter name
// has gone back to zero — e.g. the bucket the counter describes was
// emptied and then deleted.
func (CounterSchema) IsTombstone(e CounterEntry) bool {
	for _, v := range e.Values {
		for _, nc := range v.NodeValues {
			if nc.Count != 0 {
				return false
			}
		}
	}
	return true
}

func (CounterSchema) Updated(old, new *CounterEntry) {}
func (CounterSchema) Filter(e CounterEntry) bool     { return true }

// localCounterEntry is the per-node working copy kept in a local (never
// replicated) tree: plain counts, no per-node vector, bumped on every call
// to IndexCounter.Count before the distributed view is recomputed and
// pushed out.
type localCounterEntry struct {
	Values map[string]NodeCount
}

// IndexCounter maintains a local per-node counter tree plus the
// distributed CounterEntry table every Count call pushes into, per spec
// §3.5. Grounded on original_source/src/model/index_counter.rs's
// IndexCounter/count.
type IndexCounter struct {
	name  string
	self  rpc.NodeID
	db    db.Db
	local db.Tree
	table *table.Table[CounterEntry]
}

func NewIndexCounter(name string, self rpc.NodeID, repl table.Replication, database db.Db, sys *rpc.System) (*IndexCounter, error) {
	local, err := database.Tree("local_counter:" + name)
	if err != nil {
		return nil, fmt.Errorf("open local_counter:%s tree: %w", name, err)
	}
	tbl, err := table.New[CounterEntry](name, CounterSchema{}, repl, database, sys, self)
	if err != nil {
		return nil, err
	}
	return &IndexCounter{name: name, self: self, db: database, local: local, table: tbl}, nil
}

func (c *IndexCounter) RunBackgroundWorkers(ctx context.Context, stop <-chan struct{}) {
	c.table.RunBackgroundWorkers(ctx, stop)
}

func localKey(partition, sort []byte) []byte {
	key := make([]byte, 0, len(partition)+len(sort)+1)
	key = append(key, partition...)
	key = append(key, 0)
	key = append(key, sort...)
	return key
}

// Count applies deltas (counter name → signed increment) to (partition,
// sort)'s local counter atomically, then fire-and-forget propagates the
// merged per-node view into the distributed table — matching
// index_counter.rs's count(), which never lets a slow table insert block
// the caller that triggered the counter update.
func (c *IndexCounter) Count(partition, sort []byte, deltas map[string]int64) error {
	key := localKey(partition, sort)

	entryIfc, err := c.db.Transaction(func(tx db.Tx) (interface{}, error) {
		local, err := tx.Tree("local_counter:" + c.name)
		if err != nil {
			return nil, err
		}
		var entry localCounterEntry
		raw, found, err := local.Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			if err := unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("decode local counter entry: %w", err)
			}
		} else {
			entry.Values = map[string]NodeCount{}
		}
		for name, delta := range deltas {
			v := entry.Values[name]
			v.LocalSeq++
			v.Count += delta
			entry.Values[name] = v
		}
		rawNew, err := marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode local counter entry: %w", err)
		}
		if _, err := local.Insert(key, rawNew); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return err
	}
	entry := entryIfc.(localCounterEntry)

	dist := CounterEntry{Partition: partition, Sort: sort, Values: make(map[string]CounterValue, len(entry.Values))}
	for name, nc := range entry.Values {
		dist.Values[name] = CounterValue{NodeValues: map[string]NodeCount{c.self.String(): nc}}
	}

	go func() {
		if err := c.table.Insert(context.Background(), dist); err != nil {
			log.WithComponent("counter").Warn().Err(err).Str("table", c.name).Msg("propagate counter value failed")
		}
	}()
	return nil
}

// Get reads the distributed counter row for (partition, sort), if any.
func (c *IndexCounter) Get(ctx context.Context, partition, sort []byte) (*CounterEntry, error) {
	return c.table.Get(ctx, partition, sort)
}
