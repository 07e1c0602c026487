package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
	"github.com/stratastore/strata/pkg/table"
)

func TestCounterSchemaMergeTakesGreatestLocalSeqPerNode(t *testing.T) {
	s := CounterSchema{}
	a := CounterEntry{Values: map[string]CounterValue{
		"objects": {NodeValues: map[string]NodeCount{"n1": {LocalSeq: 1, Count: 5}}},
	}}
	b := CounterEntry{Values: map[string]CounterValue{
		"objects": {NodeValues: map[string]NodeCount{"n1": {LocalSeq: 2, Count: 9}}},
	}}

	merged := s.Merge(a, b)
	require.Equal(t, int64(9), merged.Values["objects"].NodeValues["n1"].Count)

	// Stale update under a lower LocalSeq must not win regardless of order.
	merged2 := s.Merge(b, a)
	require.Equal(t, int64(9), merged2.Values["objects"].NodeValues["n1"].Count)
}

func TestCounterEntryFilteredValuesExcludesDepartedNodes(t *testing.T) {
	n1 := ring.NodeID{0: 1}
	n2 := ring.NodeID{0: 2}
	e := CounterEntry{Values: map[string]CounterValue{
		"objects": {NodeValues: map[string]NodeCount{
			n1.String(): {Count: 3},
			n2.String(): {Count: 4},
		}},
	}}

	sum := e.FilteredValues(func(n ring.NodeID) bool { return n == n1 })
	require.Equal(t, int64(3), sum["objects"])
}

func newTestIndexCounter(t *testing.T) (*IndexCounter, *rpc.System) {
	t.Helper()
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	sys, err := rpc.NewSystem(rpc.Config{Self: self, PSK: psk})
	require.NoError(t, err)
	bdb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	repl := table.FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}
	ic, err := NewIndexCounter("object_counter", self, repl, bdb, sys)
	require.NoError(t, err)

	require.NoError(t, sys.Listen("127.0.0.1:0"))
	sys.AddPeer(self, sys.Addr())
	return ic, sys
}

func TestIndexCounterCountAccumulatesLocally(t *testing.T) {
	ic, _ := newTestIndexCounter(t)
	bucket := NewBucketID()

	require.NoError(t, ic.Count(bucket[:], nil, map[string]int64{"objects": 1, "bytes": 100}))
	require.NoError(t, ic.Count(bucket[:], nil, map[string]int64{"objects": 1, "bytes": 50}))

	raw, found, err := ic.local.Get(localKey(bucket[:], nil))
	require.NoError(t, err)
	require.True(t, found)

	var entry localCounterEntry
	require.NoError(t, unmarshal(raw, &entry))
	require.Equal(t, int64(2), entry.Values["objects"].Count)
	require.Equal(t, int64(150), entry.Values["bytes"].Count)
	require.Equal(t, uint64(2), entry.Values["objects"].LocalSeq)
}
