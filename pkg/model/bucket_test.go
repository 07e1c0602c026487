package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketSchemaMergeDeletedWins(t *testing.T) {
	s := BucketSchema{}
	id := NewBucketID()
	live := BucketEntry{ID: id, Params: BucketParams{Quotas: Quotas{MaxObjects: 10}}}
	deleted := BucketEntry{ID: id, Params: BucketParams{Deleted: true}}

	require.True(t, s.Merge(live, deleted).Params.Deleted)
	require.True(t, s.Merge(deleted, live).Params.Deleted)
}

func TestBucketSchemaMergeKeepsLatestWebsiteConfig(t *testing.T) {
	s := BucketSchema{}
	id := NewBucketID()
	a := BucketEntry{ID: id}
	b := BucketEntry{ID: id, Params: BucketParams{Website: &WebsiteConfig{IndexDocument: "index.html"}}}

	merged := s.Merge(a, b)
	require.NotNil(t, merged.Params.Website)
}

func TestKeySchemaMergeUnionsPermissionsByBucket(t *testing.T) {
	s := KeySchema{}
	bucket := NewBucketID()
	a := KeyEntry{AccessKeyID: "AKIA", Permissions: []KeyPermission{{Bucket: bucket, Read: true}}}
	b := KeyEntry{AccessKeyID: "AKIA", Permissions: []KeyPermission{{Bucket: bucket, Write: true}}}

	merged := s.Merge(a, b)
	require.Len(t, merged.Permissions, 1)
	require.True(t, merged.Permissions[0].Read)
	require.True(t, merged.Permissions[0].Write)
}

func TestBucketAliasSchemaIsTombstoneMatchesDeleted(t *testing.T) {
	s := BucketAliasSchema{}
	require.True(t, s.IsTombstone(BucketAliasEntry{Deleted: true}))
	require.False(t, s.IsTombstone(BucketAliasEntry{Deleted: false}))
}
