package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateEntryWithInsertsAndMerges(t *testing.T) {
	data, schema := newTestData(t)

	got, err := data.UpdateEntryWith([]byte("bucket-a"), []byte("key-1"), func(prev *testEntry) testEntry {
		require.Nil(t, prev)
		return testEntry{P: "bucket-a", S: "key-1", Value: 1}
	})
	require.NoError(t, err)
	require.Equal(t, 1, got.Value)
	require.Len(t, schema.updates, 1)
	require.Nil(t, schema.updates[0].old)
	require.Equal(t, 1, schema.updates[0].new.Value)

	got, err = data.UpdateEntryWith([]byte("bucket-a"), []byte("key-1"), func(prev *testEntry) testEntry {
		require.NotNil(t, prev)
		return schema.Merge(*prev, testEntry{P: "bucket-a", S: "key-1", Value: 5})
	})
	require.NoError(t, err)
	require.Equal(t, 5, got.Value)
	require.Len(t, schema.updates, 2)
}

func TestUpdateEntryWithNoopWhenByteIdentical(t *testing.T) {
	data, schema := newTestData(t)

	_, err := data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Value: 7}
	})
	require.NoError(t, err)
	require.Len(t, schema.updates, 1)

	_, err = data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return *prev
	})
	require.NoError(t, err)
	require.Len(t, schema.updates, 1, "identical re-write must not invoke Updated again")
}

func TestUpdateEntryWithQueuesMerkleAndGcTodoOnTombstone(t *testing.T) {
	data, _ := newTestData(t)

	_, err := data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Tomb: true}
	})
	require.NoError(t, err)

	n, err := data.merkleTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = data.gcTodo.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpdateManyMergesEachItem(t *testing.T) {
	data, _ := newTestData(t)

	err := data.UpdateMany([]testEntry{
		{P: "b", S: "k", Value: 1},
		{P: "b", S: "k", Value: 9},
		{P: "b", S: "k", Value: 3},
	})
	require.NoError(t, err)

	got, err := data.Get([]byte("b"), []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 9, got.Value)
}

func TestDeleteIfEqualOnlyRemovesMatchingValue(t *testing.T) {
	data, _ := newTestData(t)

	entry, err := data.UpdateEntryWith([]byte("b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "b", S: "k", Value: 1}
	})
	require.NoError(t, err)
	stale, err := marshal(testEntry{P: "b", S: "k", Value: 99})
	require.NoError(t, err)

	removed, err := data.DeleteIfEqual([]byte("b"), []byte("k"), stale)
	require.NoError(t, err)
	require.False(t, removed, "stale expected value must not match")

	current, err := marshal(entry)
	require.NoError(t, err)
	removed, err = data.DeleteIfEqual([]byte("b"), []byte("k"), current)
	require.NoError(t, err)
	require.True(t, removed)

	got, err := data.Get([]byte("b"), []byte("k"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetRangeAppliesKeepAndLimit(t *testing.T) {
	data, _ := newTestData(t)

	for i, s := range []string{"a", "b", "c", "d"} {
		_, err := data.UpdateEntryWith([]byte("bucket"), []byte(s), func(prev *testEntry) testEntry {
			return testEntry{P: "bucket", S: s, Value: i}
		})
		require.NoError(t, err)
	}

	all, err := data.GetRange([]byte("bucket"), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	evens, err := data.GetRange([]byte("bucket"), nil, func(e testEntry) bool { return e.Value%2 == 0 }, 0)
	require.NoError(t, err)
	require.Len(t, evens, 2)

	limited, err := data.GetRange([]byte("bucket"), nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestGetRangeDoesNotCrossPartitionBoundary(t *testing.T) {
	data, _ := newTestData(t)

	_, err := data.UpdateEntryWith([]byte("bucket-a"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "bucket-a", S: "k", Value: 1}
	})
	require.NoError(t, err)
	_, err = data.UpdateEntryWith([]byte("bucket-b"), []byte("k"), func(prev *testEntry) testEntry {
		return testEntry{P: "bucket-b", S: "k", Value: 2}
	})
	require.NoError(t, err)

	got, err := data.GetRange([]byte("bucket-a"), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Value)
}
