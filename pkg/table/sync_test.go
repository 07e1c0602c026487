package table

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
)

func TestNodeIn(t *testing.T) {
	a := rpc.NodeID{0: 1}
	b := rpc.NodeID{0: 2}
	require.True(t, nodeIn(a, []rpc.NodeID{a, b}))
	require.False(t, nodeIn(rpc.NodeID{0: 9}, []rpc.NodeID{a, b}))
}

func TestPopTaskDrainsInOrder(t *testing.T) {
	s := &Syncer[testEntry]{todo: []todoPartition{{id: 1}, {id: 2}}}

	p, ok := s.popTask()
	require.True(t, ok)
	require.Equal(t, byte(1), p.id)

	p, ok = s.popTask()
	require.True(t, ok)
	require.Equal(t, byte(2), p.id)

	_, ok = s.popTask()
	require.False(t, ok)
}

func newTestTable(t *testing.T, self rpc.NodeID, psk security.PSK, repl Replication) (*Table[testEntry], *rpc.System) {
	t.Helper()
	sys, err := rpc.NewSystem(rpc.Config{Self: self, PSK: psk, DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)

	bdb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	tbl, err := New[testEntry]("widgets", &testSchema{}, repl, bdb, sys, self)
	require.NoError(t, err)

	require.NoError(t, sys.Listen("127.0.0.1:0"))
	sys.AddPeer(self, sys.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sys.Serve(ctx)
	t.Cleanup(func() { sys.Close() })
	return tbl, sys
}

func TestTableInsertAndGetSingleReplica(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	repl := FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	tbl, _ := newTestTable(t, self, psk, repl)

	ctx := context.Background()
	require.NoError(t, tbl.Insert(ctx, testEntry{P: "b", S: "k", Value: 3}))

	got, err := tbl.Get(ctx, []byte("b"), []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 3, got.Value)
}

func TestTableInsertAcrossTwoReplicasConverges(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)

	nodeA := rpc.NodeID{0: 1}
	nodeB := rpc.NodeID{0: 2}

	var members []ring.NodeID
	reply := func() []ring.NodeID { return members }

	tblA, sysA := newTestTable(t, nodeA, psk, FullReplication{Members: reply, WriteQuorumN: 2})
	tblB, sysB := newTestTable(t, nodeB, psk, FullReplication{Members: reply, WriteQuorumN: 2})

	members = []ring.NodeID{nodeA, nodeB}
	sysA.AddPeer(nodeB, sysB.Addr())
	sysB.AddPeer(nodeA, sysA.Addr())

	ctx := context.Background()
	require.NoError(t, tblA.Insert(ctx, testEntry{P: "b", S: "k", Value: 11}))

	got, err := tblB.Get(ctx, []byte("b"), []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 11, got.Value)
}

// TestDoSyncWithReconcilesDivergentReplicas writes directly to node A's
// local store, bypassing quorum replication entirely, then drives the
// pairwise diff protocol by hand and checks B ends up with everything A had.
func TestDoSyncWithReconcilesDivergentReplicas(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)

	nodeA := rpc.NodeID{0: 1}
	nodeB := rpc.NodeID{0: 2}

	var members []ring.NodeID
	reply := func() []ring.NodeID { return members }

	tblA, sysA := newTestTable(t, nodeA, psk, FullReplication{Members: reply, WriteQuorumN: 1})
	tblB, sysB := newTestTable(t, nodeB, psk, FullReplication{Members: reply, WriteQuorumN: 1})

	members = []ring.NodeID{nodeA, nodeB}
	sysA.AddPeer(nodeB, sysB.Addr())
	sysB.AddPeer(nodeA, sysA.Addr())

	_, err = tblA.data.UpdateEntryWith([]byte("b"), []byte("k1"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k1", Value: 1}
	})
	require.NoError(t, err)
	_, err = tblA.data.UpdateEntryWith([]byte("b"), []byte("k2"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k2", Value: 2}
	})
	require.NoError(t, err)

	for {
		did, err := tblA.merkle.DrainOne()
		require.NoError(t, err)
		if !did {
			break
		}
	}

	partitionID := ring.PartitionOf(ring.HashBytes([]byte("b")))
	p := todoPartition{id: partitionID, retain: true}

	require.NoError(t, tblA.syncer.doSyncWith(context.Background(), p, nodeB))

	got1, err := tblB.data.Get([]byte("b"), []byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, got1)
	require.Equal(t, 1, got1.Value)

	got2, err := tblB.data.Get([]byte("b"), []byte("k2"))
	require.NoError(t, err)
	require.NotNil(t, got2)
	require.Equal(t, 2, got2.Value)
}
