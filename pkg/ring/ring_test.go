package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func nodeID(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func threeZoneMembers() map[NodeID]NodeInfo {
	return map[NodeID]NodeInfo{
		nodeID(1): {Zone: "za", Capacity: 1},
		nodeID(2): {Zone: "zb", Capacity: 1},
		nodeID(3): {Zone: "zc", Capacity: 1},
		nodeID(4): {Zone: "za", Capacity: 1},
	}
}

func TestBuildReplicationFactorHonored(t *testing.T) {
	r := Build(1, threeZoneMembers(), 3)
	for p := 0; p < 256; p++ {
		require.Len(t, r.ReplicasOf(byte(p)), 3, "partition %d", p)
	}
}

func TestBuildPrefersDistinctZonesFirst(t *testing.T) {
	members := threeZoneMembers()
	r := Build(1, members, 3)
	for p := 0; p < 256; p++ {
		replicas := r.ReplicasOf(byte(p))
		zones := make(map[string]bool)
		for _, id := range replicas {
			zones[members[id].Zone] = true
		}
		// 3 distinct zones exist, replication factor 3: must not repeat a
		// zone while an unused zone remains available.
		require.Len(t, zones, 3, "partition %d replicas %v", p, replicas)
	}
}

func TestBuildFallsBackWhenFewerZonesThanReplicas(t *testing.T) {
	members := map[NodeID]NodeInfo{
		nodeID(1): {Zone: "za"},
		nodeID(2): {Zone: "za"},
	}
	r := Build(1, members, 3)
	require.Len(t, r.ReplicasOf(0), 2, "cannot exceed available member count")
}

func TestPartitionOfUsesTopByte(t *testing.T) {
	var h Hash256
	h[0] = 0x42
	require.Equal(t, byte(0x42), PartitionOf(h))
}

func TestWriteNodesMatchesReplicasOfPartition(t *testing.T) {
	r := Build(1, threeZoneMembers(), 2)
	var h Hash256
	h[0] = 7
	require.Equal(t, r.ReplicasOf(7), r.WriteNodes(h))
	require.Equal(t, r.WriteNodes(h), r.ReadNodes(h))
}

func TestPartitionsCoverFullKeyspaceInOrder(t *testing.T) {
	r := Build(1, threeZoneMembers(), 2)
	parts := r.Partitions()
	require.Len(t, parts, 256)
	for i, p := range parts {
		require.Equal(t, byte(i), p.Partition)
		require.Equal(t, byte(i), p.First[0])
		if i < 255 {
			require.Equal(t, byte(i+1), p.Last[0])
			require.True(t, string(p.First[:]) < string(p.Last[:]))
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	members := threeZoneMembers()
	r1 := Build(5, members, 3)
	r2 := Build(5, members, 3)
	for p := 0; p < 256; p++ {
		require.Equal(t, r1.ReplicasOf(byte(p)), r2.ReplicasOf(byte(p)))
	}
}

func TestHasMemberAndVersion(t *testing.T) {
	members := threeZoneMembers()
	r := Build(9, members, 2)
	require.Equal(t, uint64(9), r.Version())
	require.True(t, r.HasMember(nodeID(1)))
	require.False(t, r.HasMember(nodeID(99)))
}

func TestParseNodeIDRoundTrip(t *testing.T) {
	id := nodeID(0xAB)
	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseNodeID("not-hex")
	require.Error(t, err)

	_, err = ParseNodeID("ab")
	require.Error(t, err)
}
