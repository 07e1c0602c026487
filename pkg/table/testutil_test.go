package table

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/ring"
)

func openTestDb(t *testing.T) db.Db {
	t.Helper()
	bdb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })
	return bdb
}

// testEntry is a minimal CRDT entry used across this package's tests: a
// partition/sort key pair, an integer value merged by max, and a tombstone
// flag that wins over any value once set.
type testEntry struct {
	P     string
	S     string
	Value int
	Tomb  bool
}

type testSchema struct {
	updates []updateCall
}

type updateCall struct {
	old, new *testEntry
}

func (s *testSchema) PartitionKey(e testEntry) []byte { return []byte(e.P) }
func (s *testSchema) SortKey(e testEntry) []byte      { return []byte(e.S) }

func (s *testSchema) Merge(a, b testEntry) testEntry {
	if a.Tomb || b.Tomb {
		v := a
		v.Tomb = true
		if b.Value > v.Value {
			v.Value = b.Value
		}
		return v
	}
	if b.Value > a.Value {
		return b
	}
	return a
}

func (s *testSchema) IsTombstone(e testEntry) bool { return e.Tomb }

func (s *testSchema) Updated(old, new *testEntry) {
	s.updates = append(s.updates, updateCall{old: old, new: new})
}

func (s *testSchema) Filter(e testEntry) bool { return !e.Tomb }

// dummyReplication satisfies Replication for tests that only exercise Data
// or the Merkle updater directly and never route through Table's quorum I/O.
type dummyReplication struct {
	members []ring.NodeID
}

func (d dummyReplication) WriteNodes(partitionKey []byte) []ring.NodeID { return d.members }
func (d dummyReplication) ReadNodes(partitionKey []byte) []ring.NodeID  { return d.members }
func (d dummyReplication) WriteQuorum() int                             { return 1 }
func (d dummyReplication) ReadQuorum() int                              { return 1 }
func (d dummyReplication) Partitions() []PartitionRange                 { return nil }
func (d dummyReplication) Owns(self ring.NodeID, partitionKey []byte) bool {
	return true
}
func (d dummyReplication) ReplicasForPartition(id byte) []ring.NodeID { return d.members }

func newTestData(t *testing.T) (*Data[testEntry], *testSchema) {
	t.Helper()
	schema := &testSchema{}
	data, err := NewData[testEntry]("widgets", schema, dummyReplication{}, openTestDb(t))
	require.NoError(t, err)
	return data, schema
}
