package table

import (
	"github.com/stratastore/strata/pkg/ring"
)

// Schema is the per-entry-type contract a table is parameterized over
// (spec §4.5's generic F). E must be msgpack-encodable (plain exported
// struct fields, same constraint pkg/rpc's envelopes have).
type Schema[E any] interface {
	// PartitionKey extracts the partition component (P) of e.
	PartitionKey(e E) []byte
	// SortKey extracts the within-partition sort component (S) of e.
	SortKey(e E) []byte
	// Merge CRDT-joins a and b, returning the merged value. Must be
	// commutative, associative and idempotent.
	Merge(a, b E) E
	// IsTombstone reports whether e represents a deletion marker.
	IsTombstone(e E) bool
	// Updated is invoked after a committed change from old to new (old is
	// nil on first insert, new is nil never — deletions are tombstones,
	// not removals). Runs outside the write transaction; used for side
	// effects like counter maintenance or block refcounting.
	Updated(old, new *E)
	// Filter reports whether e should be visible to callers of Get/GetRange
	// (e.g. hiding aborted uploads). Table.Insert/merge still store and
	// sync filtered-out entries; only read results are affected.
	Filter(e E) bool
}

// Replication is the strategy (spec §4.9's R) a table is configured with:
// which nodes hold which partitions, and how many acks a read/write needs.
type Replication interface {
	// WriteNodes returns the replica set data with this partition key is
	// written to.
	WriteNodes(partitionKey []byte) []ring.NodeID
	// ReadNodes returns the replica set read from (usually == WriteNodes).
	ReadNodes(partitionKey []byte) []ring.NodeID
	WriteQuorum() int
	ReadQuorum() int
	// Partitions enumerates every partition this replication strategy
	// knows about, as (id, firstKey, lastKey) ranges the syncer walks.
	Partitions() []PartitionRange
	// Owns reports whether self holds a replica of the given partition.
	Owns(self ring.NodeID, partitionKey []byte) bool
	// ReplicasForPartition returns the replica set for a partition the
	// syncer already identified by id (as opposed to WriteNodes, which
	// derives the id itself by hashing a raw partition key) — used by the
	// syncer's per-partition scheduling, which enumerates ids via
	// Partitions() rather than owning a live entry to hash.
	ReplicasForPartition(id byte) []ring.NodeID
}

// PartitionRange is one partition's key-space slice, used by the syncer's
// per-partition scheduling and the offloader's range scan.
type PartitionRange struct {
	ID    byte
	First []byte
	Last  []byte // exclusive upper bound, nil = unbounded
}

// FullReplication stores every entry on every member node (spec §4.9: used
// for small CRDT tables like buckets/keys). Partitions() reports a single
// partition covering the whole key space.
type FullReplication struct {
	Members     func() []ring.NodeID
	WriteQuorumN int
}

func (f FullReplication) WriteNodes(partitionKey []byte) []ring.NodeID { return f.Members() }
func (f FullReplication) ReadNodes(partitionKey []byte) []ring.NodeID  { return f.Members() }
func (f FullReplication) WriteQuorum() int                             { return f.WriteQuorumN }
func (f FullReplication) ReadQuorum() int                              { return 1 }
func (f FullReplication) Partitions() []PartitionRange {
	return []PartitionRange{{ID: 0, First: nil, Last: nil}}
}
func (f FullReplication) Owns(self ring.NodeID, partitionKey []byte) bool {
	for _, n := range f.Members() {
		if n == self {
			return true
		}
	}
	return false
}
func (f FullReplication) ReplicasForPartition(id byte) []ring.NodeID { return f.Members() }

// ShardedReplication places each partition on ring.PartitionOf(hash(P))'s
// replica set (spec §4.9: the strategy used for the high-volume tables).
type ShardedReplication struct {
	RingFn       func() Ring
	ReadQuorumN  int
	WriteQuorumN int
}

// Ring is the subset of ring.Ring the sharded strategy needs.
type Ring interface {
	ReplicasOf(partition byte) []ring.NodeID
	Partitions() []ring.PartitionRange
	HasMember(id ring.NodeID) bool
}

func partitionOf(partitionKey []byte) byte {
	h := ring.HashBytes(partitionKey)
	return ring.PartitionOf(h)
}

func (s ShardedReplication) WriteNodes(partitionKey []byte) []ring.NodeID {
	return s.RingFn().ReplicasOf(partitionOf(partitionKey))
}
func (s ShardedReplication) ReadNodes(partitionKey []byte) []ring.NodeID {
	return s.RingFn().ReplicasOf(partitionOf(partitionKey))
}
func (s ShardedReplication) WriteQuorum() int { return s.WriteQuorumN }
func (s ShardedReplication) ReadQuorum() int  { return s.ReadQuorumN }
func (s ShardedReplication) Partitions() []PartitionRange {
	ranges := s.RingFn().Partitions()
	out := make([]PartitionRange, len(ranges))
	for i, r := range ranges {
		out[i] = PartitionRange{ID: r.Partition, First: []byte{r.Partition}, Last: upperBound(r.Partition)}
	}
	return out
}
func (s ShardedReplication) Owns(self ring.NodeID, partitionKey []byte) bool {
	for _, n := range s.RingFn().ReplicasOf(partitionOf(partitionKey)) {
		if n == self {
			return true
		}
	}
	return false
}
func (s ShardedReplication) ReplicasForPartition(id byte) []ring.NodeID {
	return s.RingFn().ReplicasOf(id)
}

func upperBound(partition byte) []byte {
	if partition == 0xFF {
		return nil
	}
	return []byte{partition + 1}
}
