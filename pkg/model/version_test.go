package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/block"
)

func TestVersionSchemaMergeUnionsBlockMap(t *testing.T) {
	s := VersionSchema{}
	id := NewVersionID()
	var h1, h2 block.Hash
	h1[0], h2[0] = 1, 2

	a := VersionEntry{ID: id, Blocks: []BlockMapEntry{{Key: BlockMapKey{PartNumber: 1, Offset: 0}, Value: BlockMapValue{Hash: h1, Size: 10}}}}
	b := VersionEntry{ID: id, Blocks: []BlockMapEntry{{Key: BlockMapKey{PartNumber: 1, Offset: 10}, Value: BlockMapValue{Hash: h2, Size: 20}}}}

	merged := s.Merge(a, b)
	require.Len(t, merged.Blocks, 2)
	require.False(t, merged.Deleted)
}

func TestVersionSchemaMergeFreezesBlockMapOnceDeleted(t *testing.T) {
	s := VersionSchema{}
	id := NewVersionID()
	var h block.Hash
	h[0] = 1

	live := VersionEntry{ID: id, Blocks: []BlockMapEntry{{Key: BlockMapKey{PartNumber: 1}, Value: BlockMapValue{Hash: h, Size: 1}}}}
	tomb := VersionEntry{ID: id, Deleted: true}

	merged := s.Merge(live, tomb)
	require.True(t, merged.Deleted)
	require.Empty(t, merged.Blocks)

	// Commutative: order must not resurrect blocks.
	merged2 := s.Merge(tomb, live)
	require.True(t, merged2.Deleted)
	require.Empty(t, merged2.Blocks)
}

func TestVersionSchemaIsTombstoneMatchesDeleted(t *testing.T) {
	s := VersionSchema{}
	require.True(t, s.IsTombstone(VersionEntry{Deleted: true}))
	require.False(t, s.IsTombstone(VersionEntry{Deleted: false}))
}
