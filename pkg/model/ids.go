// Package model implements the C10 data-model tables: Object, Version,
// BlockRef, Bucket/BucketAlias/Key, and the per-bucket counter, each as a
// table.Schema instantiated over pkg/table's generic machinery. Grounded on
// original_source/src/model (index_counter.rs for the counter's per-node
// vector merge; the object/version/block_ref lattice is built from spec
// prose, as original_source's own object.rs/version_table.rs were not part
// of the retrieval pack).
package model

import (
	"time"

	"github.com/google/uuid"
)

// BucketID identifies a bucket, independent of any alias it's known by.
type BucketID [16]byte

func NewBucketID() BucketID {
	return BucketID(uuid.New())
}

func (b BucketID) String() string { return uuid.UUID(b).String() }

// VersionID identifies one ObjectVersion/Version pair.
type VersionID [16]byte

func NewVersionID() VersionID {
	return VersionID(uuid.New())
}

func (v VersionID) String() string { return uuid.UUID(v).String() }

// VersionTimestamp orders versions of the same key: (unix-millis, uuid) so
// concurrent writers on different nodes still get a deterministic order
// once merged, per spec §3.2.
type VersionTimestamp struct {
	Millis int64
	ID     VersionID
}

func (a VersionTimestamp) Less(b VersionTimestamp) bool {
	if a.Millis != b.Millis {
		return a.Millis < b.Millis
	}
	return string(a.ID[:]) < string(b.ID[:])
}

func NewVersionTimestamp(after int64) VersionTimestamp {
	ms := time.Now().UnixMilli()
	if ms <= after {
		ms = after + 1
	}
	return VersionTimestamp{Millis: ms, ID: NewVersionID()}
}
