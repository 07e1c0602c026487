package model

import (
	"fmt"
	"sort"

	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
)

// BacklinkKind tags which owner a Version belongs to.
type BacklinkKind int

const (
	BacklinkObject BacklinkKind = iota
	BacklinkMultipartUpload
)

// Backlink points a Version back at the ObjectEntry (or in-progress
// multipart upload) it belongs to, per spec §3.3.
type Backlink struct {
	Kind     BacklinkKind
	Bucket   BucketID
	Key      string
	UploadID VersionID
}

// BlockMapKey is the (part_number, offset) composite key of a Version's
// block map, per spec §3.3.
type BlockMapKey struct {
	PartNumber uint64
	Offset     uint64
}

func (k BlockMapKey) less(o BlockMapKey) bool {
	if k.PartNumber != o.PartNumber {
		return k.PartNumber < o.PartNumber
	}
	return k.Offset < o.Offset
}

// BlockMapValue is one block reference within a Version's block map.
type BlockMapValue struct {
	Hash block.Hash
	Size uint64
}

type BlockMapEntry struct {
	Key   BlockMapKey
	Value BlockMapValue
}

// VersionEntry holds the ordered block map for one object version, per
// spec §3.3. Once Deleted is true the map is frozen: UpdateMany/Merge never
// lets blocks be added back.
type VersionEntry struct {
	ID       VersionID
	Backlink Backlink
	Blocks   []BlockMapEntry
	Deleted  bool
}

// BlockList returns the version's block map in (part_number, offset) order.
func (v VersionEntry) BlockList() []BlockMapEntry { return v.Blocks }

// VersionSchema implements table.Schema[VersionEntry]. BlockManager, if
// non-nil, is decref'd for every block once a version is reclaimed by the
// repair driver (spec §4.10: "schedule block_decref for every block
// referenced" when transitioning to deleted=true).
type VersionSchema struct {
	DB           db.Db
	BlockManager *block.Manager
}

func (VersionSchema) PartitionKey(e VersionEntry) []byte { return e.ID[:] }
func (VersionSchema) SortKey(e VersionEntry) []byte      { return nil }

func (VersionSchema) Merge(a, b VersionEntry) VersionEntry {
	out := a
	out.Deleted = a.Deleted || b.Deleted
	if out.Deleted {
		out.Blocks = nil
		return out
	}
	merged := map[BlockMapKey]BlockMapValue{}
	for _, e := range a.Blocks {
		merged[e.Key] = e.Value
	}
	for _, e := range b.Blocks {
		merged[e.Key] = e.Value // writers only ever add; last-writer is fine for a key neither side deletes
	}
	out.Blocks = make([]BlockMapEntry, 0, len(merged))
	for k, v := range merged {
		out.Blocks = append(out.Blocks, BlockMapEntry{Key: k, Value: v})
	}
	sort.Slice(out.Blocks, func(i, j int) bool { return out.Blocks[i].Key.less(out.Blocks[j].Key) })
	return out
}

func (VersionSchema) IsTombstone(e VersionEntry) bool { return e.Deleted }

// Updated decrefs every block this version referenced once it transitions
// to deleted, per spec §4.10.
func (s VersionSchema) Updated(old, new *VersionEntry) {
	if s.BlockManager == nil || new == nil || !new.Deleted {
		return
	}
	if old != nil && old.Deleted {
		return // already handled on the transition that first set Deleted
	}
	toDecref := new.Blocks
	if old != nil {
		toDecref = old.Blocks
	}
	for _, e := range toDecref {
		e := e
		if err := s.decrefBlock(e.Value.Hash); err != nil {
			log.WithComponent("model").Warn().Err(err).Msg("version gc: block decref failed")
		}
	}
}

func (s VersionSchema) decrefBlock(h block.Hash) error {
	_, err := s.DB.Transaction(func(tx db.Tx) (interface{}, error) {
		return nil, s.BlockManager.Decref(tx, h)
	})
	if err != nil {
		return fmt.Errorf("decref %x: %w", h[:4], err)
	}
	return nil
}

func (VersionSchema) Filter(e VersionEntry) bool { return !e.Deleted }
