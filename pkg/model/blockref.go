package model

import (
	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
)

// BlockRefEntry is a grounded edge from a block to a version that
// references it, per spec §3.4.
type BlockRefEntry struct {
	Hash      block.Hash
	VersionID VersionID
	Deleted   bool
}

// BlockRefSchema implements table.Schema[BlockRefEntry]. BlockManager, if
// non-nil, has its local refcount incremented/decremented as each entry's
// Deleted flag transitions, per spec §4.10.
type BlockRefSchema struct {
	DB           db.Db
	BlockManager *block.Manager
}

func (BlockRefSchema) PartitionKey(e BlockRefEntry) []byte { return e.Hash[:] }
func (BlockRefSchema) SortKey(e BlockRefEntry) []byte      { return e.VersionID[:] }

// Merge is a boolean-CRDT OR on Deleted: once any replica observes the
// edge as deleted, it stays deleted.
func (BlockRefSchema) Merge(a, b BlockRefEntry) BlockRefEntry {
	out := a
	out.Deleted = a.Deleted || b.Deleted
	return out
}

func (BlockRefSchema) IsTombstone(e BlockRefEntry) bool { return e.Deleted }

// Updated adjusts this node's local block refcount by the edge's
// live/deleted transition. Spec §4.10 calls for this inside the same
// transaction as the entry write; the generic table layer commits the
// entry first and invokes Updated afterward (see pkg/table/data.go), so
// this runs in its own immediately-following transaction instead — a
// refcount that's briefly stale after a crash between the two commits is
// self-healing via the BlockRefs repair pass (spec §4.11), which is why
// the looser ordering is acceptable here.
func (s BlockRefSchema) Updated(old, new *BlockRefEntry) {
	if s.BlockManager == nil || new == nil {
		return
	}
	wasLive := old != nil && !old.Deleted
	isLive := !new.Deleted
	if wasLive == isLive {
		return
	}
	s.adjustRefcount(new.Hash, isLive)
}

func (s BlockRefSchema) adjustRefcount(h block.Hash, incref bool) {
	_, err := s.DB.Transaction(func(tx db.Tx) (interface{}, error) {
		if incref {
			return nil, s.BlockManager.Incref(tx, h)
		}
		return nil, s.BlockManager.Decref(tx, h)
	})
	if err != nil {
		log.WithComponent("model").Warn().Err(err).Msg("block_ref: refcount adjustment failed")
	}
}

func (BlockRefSchema) Filter(e BlockRefEntry) bool { return !e.Deleted }
