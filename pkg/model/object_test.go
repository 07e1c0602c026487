package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectSchemaMergeUnionsVersionsByUUID(t *testing.T) {
	s := ObjectSchema{}
	bucket := NewBucketID()
	v1 := ObjectVersion{Timestamp: NewVersionTimestamp(0), State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 3}}
	v2 := ObjectVersion{Timestamp: NewVersionTimestamp(v1.Timestamp.Millis), State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 5}}

	a := ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{v1}}
	b := ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{v2}}

	merged := s.Merge(a, b)
	require.Len(t, merged.Versions, 2)
}

func TestObjectSchemaMergePrefersTerminalOverUploading(t *testing.T) {
	s := ObjectSchema{}
	bucket := NewBucketID()
	ts := NewVersionTimestamp(0)

	uploading := ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{
		{Timestamp: ts, State: StateUploading},
	}}
	completed := ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{
		{Timestamp: ts, State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 9}},
	}}

	merged := s.Merge(uploading, completed)
	require.Len(t, merged.Versions, 1)
	require.Equal(t, StateComplete, merged.Versions[0].State)

	// Order must not matter: merge is commutative.
	merged2 := s.Merge(completed, uploading)
	require.Equal(t, StateComplete, merged2.Versions[0].State)
}

func TestObjectSchemaIsTombstoneOnceVersionsEmpty(t *testing.T) {
	s := ObjectSchema{}
	require.True(t, s.IsTombstone(ObjectEntry{}))
	require.False(t, s.IsTombstone(ObjectEntry{Versions: []ObjectVersion{{}}}))
}

func TestObjectEntryLiveVersionsHidesAbortedAndDeleteMarkers(t *testing.T) {
	ts1 := NewVersionTimestamp(0)
	ts2 := NewVersionTimestamp(ts1.Millis)
	ts3 := NewVersionTimestamp(ts2.Millis)

	e := ObjectEntry{Versions: []ObjectVersion{
		{Timestamp: ts1, State: StateAborted},
		{Timestamp: ts2, State: StateComplete, Data: ObjectVersionData{Kind: DataDeleteMarker}},
		{Timestamp: ts3, State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 1}},
	}}

	live := e.LiveVersions()
	require.Len(t, live, 1)
	require.Equal(t, ts3, live[0].Timestamp)
}

func TestObjectSchemaUpdatedTracksCounterDeltas(t *testing.T) {
	bucket := NewBucketID()
	ts := NewVersionTimestamp(0)
	s := ObjectSchema{}

	// No counter wired: must not panic.
	s.Updated(nil, &ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{
		{Timestamp: ts, State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 4}},
	}})

	// Counter wired: a new Complete version adds one object and its bytes.
	ic, _ := newTestIndexCounter(t)
	s = ObjectSchema{Counter: ic}
	s.Updated(nil, &ObjectEntry{Bucket: bucket, Key: "k", Versions: []ObjectVersion{
		{Timestamp: ts, State: StateComplete, Data: ObjectVersionData{Kind: DataInline, Size: 4}},
	}})

	raw, found, err := ic.local.Get(localKey(bucket[:], nil))
	require.NoError(t, err)
	require.True(t, found)
	var entry localCounterEntry
	require.NoError(t, unmarshal(raw, &entry))
	require.Equal(t, int64(1), entry.Values["objects"].Count)
	require.Equal(t, int64(4), entry.Values["bytes"].Count)
}
