package table

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
)

func allGcTodo(t *testing.T, tbl *Table[testEntry]) (keys, hashes [][]byte) {
	t.Helper()
	err := tbl.data.gcTodo.Range(nil, nil, func(k, v []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), k...))
		hashes = append(hashes, append([]byte(nil), v...))
		return true, nil
	})
	require.NoError(t, err)
	return keys, hashes
}

func TestCollectOneRemovesTombstoneOnceReplicasAgree(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	repl := FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	tbl, _ := newTestTable(t, self, psk, repl)

	_, err = tbl.data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Tomb: true}
	})
	require.NoError(t, err)

	keys, hashes := allGcTodo(t, tbl)
	require.Len(t, keys, 1)

	require.NoError(t, tbl.gc.collectOne(context.Background(), keys[0], hashes[0]))

	got, err := tbl.data.Get([]byte("b"), []byte("k"))
	require.NoError(t, err)
	require.Nil(t, got, "collected tombstone must be gone from the store")

	n, err := tbl.data.gcTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n, "gc_todo entry must be consumed regardless of outcome")
}

func TestCollectOneDropsStaleEntryWhenRowChangedSinceQueued(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	repl := FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	tbl, _ := newTestTable(t, self, psk, repl)

	_, err = tbl.data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Tomb: true}
	})
	require.NoError(t, err)
	keys, hashes := allGcTodo(t, tbl)
	require.Len(t, keys, 1)

	// Row resurrected (e.g. a concurrent write raced the tombstone) before
	// collection ran: the queued hash no longer matches what's stored.
	_, err = tbl.data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Value: 7}
	})
	require.NoError(t, err)

	require.NoError(t, tbl.gc.collectOne(context.Background(), keys[0], hashes[0]))

	got, err := tbl.data.Get([]byte("b"), []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got, "resurrected row must survive collection against a stale hash")
	require.Equal(t, 7, got.Value)

	n, err := tbl.data.gcTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunPassSkipsEntriesNotYetDue(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	repl := FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	tbl, _ := newTestTable(t, self, psk, repl)

	_, err = tbl.data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Tomb: true}
	})
	require.NoError(t, err)

	require.NoError(t, tbl.gc.RunPass(context.Background()))

	n, err := tbl.data.gcTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n, "a tombstone queued moments ago is not due for tableGcDelay yet")
}

func TestRunPassCollectsEntriesPastTheDelay(t *testing.T) {
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	repl := FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	tbl, _ := newTestTable(t, self, psk, repl)

	_, err = tbl.data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Tomb: true}
	})
	require.NoError(t, err)
	keys, hashes := allGcTodo(t, tbl)
	require.Len(t, keys, 1)

	// Re-queue with a past timestamp, as if the tombstone had been waiting
	// out its delay already.
	_, treeKeyBytes := splitGcTodoKey(keys[0])
	_, err = tbl.data.gcTodo.Remove(keys[0])
	require.NoError(t, err)
	backdated := gcTodoKey(time.Now().Add(-tableGcDelay-time.Minute), treeKeyBytes)
	_, err = tbl.data.gcTodo.Insert(backdated, hashes[0])
	require.NoError(t, err)

	require.NoError(t, tbl.gc.RunPass(context.Background()))

	n, err := tbl.data.gcTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := tbl.data.Get([]byte("b"), []byte("k"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSplitGcTodoKeyRoundTrips(t *testing.T) {
	tk := treeKey([]byte("partition"), []byte("sort"))
	when := time.Now()
	key := gcTodoKey(when, tk)

	insertedAt, gotTreeKey := splitGcTodoKey(key)
	require.Equal(t, tk, gotTreeKey)
	require.WithinDuration(t, when, insertedAt, time.Millisecond)
}
