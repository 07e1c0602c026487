// Package ring implements the C3 contract: an immutable snapshot mapping
// partitions to ordered, zone-aware replica lists, observed through a watch
// channel. The ring is never mutated by the core; a membership/layout
// service external to this repo (§1, §6.3) publishes new snapshots, which
// is what Watcher.Publish models for tests; cmd/strata builds one snapshot
// from its bootstrap peers and hands it to NewWatcher.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// NodeID identifies a cluster node.
type NodeID [16]byte

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// NodeInfo is the static metadata the ring places a node by.
type NodeInfo struct {
	Zone     string
	Capacity uint32
	Tag      string
}

// Hash256 is a block or partition-key hash, per §3.1/§4.3.
type Hash256 [32]byte

// PartitionOf returns the top byte of h: the unit of placement and
// anti-entropy (GLOSSARY: "Partition").
func PartitionOf(h Hash256) byte { return h[0] }

// HashBytes computes the placement hash of an arbitrary key (a table
// partition key, a block's plaintext, ...); every keyspace that needs a
// Partition shares this one hash function so a given key always lands on
// the same partition regardless of which layer computed it.
func HashBytes(data []byte) Hash256 { return blake2b.Sum256(data) }

// Ring is an immutable snapshot of cluster layout.
type Ring struct {
	version uint64
	members map[NodeID]NodeInfo
	// replicas[p] is the ordered, zone-preferring replica list for
	// partition p, precomputed at Build time.
	replicas [256][]NodeID
}

// Version is the ring's monotonically increasing version number.
func (r *Ring) Version() uint64 { return r.version }

// Members returns the node metadata map. The returned map must not be
// mutated; Ring is immutable once built.
func (r *Ring) Members() map[NodeID]NodeInfo { return r.members }

// ReplicasOf returns the ordered node list storing/serving partition p.
func (r *Ring) ReplicasOf(p byte) []NodeID { return r.replicas[p] }

// WriteNodes returns the replica set a block or entry hash should be
// written to: replicas_of(partition_of(hash)).
func (r *Ring) WriteNodes(h Hash256) []NodeID { return r.ReplicasOf(PartitionOf(h)) }

// ReadNodes is the same set as WriteNodes; reads and writes share a replica
// set and differ only in which quorum they require (§4.3).
func (r *Ring) ReadNodes(h Hash256) []NodeID { return r.WriteNodes(h) }

// PartitionRange describes one partition's lexicographic key range, used by
// the table syncer (§4.3's "partition iteration function").
type PartitionRange struct {
	Partition byte
	First     Hash256 // inclusive
	Last      Hash256 // exclusive, [0xFF;32] sentinel wraps to "to the end"
}

// Partitions yields all 256 partitions in lexicographic order of FirstHash.
func (r *Ring) Partitions() []PartitionRange {
	out := make([]PartitionRange, 256)
	for p := 0; p < 256; p++ {
		var first, last Hash256
		first[0] = byte(p)
		if p < 255 {
			last[0] = byte(p + 1)
		} else {
			for i := range last {
				last[i] = 0xFF
			}
		}
		out[p] = PartitionRange{Partition: byte(p), First: first, Last: last}
	}
	return out
}

// HasMember reports whether node is currently part of the ring.
func (r *Ring) HasMember(n NodeID) bool {
	_, ok := r.members[n]
	return ok
}

// Build constructs a Ring snapshot from a membership map and a desired
// replication factor n. Placement is deterministic: for each partition, rank
// nodes by a hash of (partition, nodeID) and take the top n, preferring one
// node per zone before a zone repeats — the tie-break spec §4.3 requires but
// leaves to the implementation, resolved per SPEC_FULL.md to match the
// zone-anti-affinity-first, fill-remainder-after shape the teacher's
// scheduler used for container placement (pkg/scheduler.filterSchedulableNodes
// + its zone-spread loop), now applied to partitions instead of services.
func Build(version uint64, members map[NodeID]NodeInfo, n int) *Ring {
	r := &Ring{version: version, members: cloneMembers(members)}
	ids := make([]NodeID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	for p := 0; p < 256; p++ {
		r.replicas[p] = pickReplicas(byte(p), ids, members, n)
	}
	return r
}

func cloneMembers(m map[NodeID]NodeInfo) map[NodeID]NodeInfo {
	out := make(map[NodeID]NodeInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func pickReplicas(partition byte, ids []NodeID, members map[NodeID]NodeInfo, n int) []NodeID {
	if len(ids) == 0 {
		return nil
	}
	type scored struct {
		id    NodeID
		score uint64
	}
	ranked := make([]scored, len(ids))
	for i, id := range ids {
		ranked[i] = scored{id: id, score: placementScore(partition, id)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return string(ranked[i].id[:]) < string(ranked[j].id[:])
	})

	want := n
	if want > len(ids) {
		want = len(ids)
	}

	out := make([]NodeID, 0, want)
	usedZones := make(map[string]bool)

	// Pass 1: one node per distinct zone, in rank order.
	for _, s := range ranked {
		if len(out) == want {
			break
		}
		zone := members[s.id].Zone
		if usedZones[zone] {
			continue
		}
		usedZones[zone] = true
		out = append(out, s.id)
	}
	// Pass 2: fill any remaining slots regardless of zone.
	if len(out) < want {
		chosen := make(map[NodeID]bool, len(out))
		for _, id := range out {
			chosen[id] = true
		}
		for _, s := range ranked {
			if len(out) == want {
				break
			}
			if chosen[s.id] {
				continue
			}
			out = append(out, s.id)
		}
	}
	return out
}

// placementScore ranks a node for a partition: a stable pseudo-random
// ordering derived from blake2b-free sha256 (no cryptographic properties
// needed here beyond good mixing, so the extra blake2b dependency isn't
// pulled in just for this).
func placementScore(partition byte, id NodeID) uint64 {
	h := sha256.New()
	h.Write([]byte{partition})
	h.Write(id[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// ParseNodeID parses a hex-encoded node id, e.g. from config's
// bootstrap_peers.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("node id %q: expected %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
