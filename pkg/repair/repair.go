// Package repair implements the C11 background repair driver: three
// passes that walk the local copy of a table with a resumable cursor and
// restore the referential-integrity invariants between object, version,
// block_ref and block, per spec §4.11. The driver is not a GC traversal —
// there are no owning pointers between these tables, only grounded
// references maintained by repeated reconciliation.
package repair

import (
	"context"
	"time"

	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/model"
	"github.com/stratastore/strata/pkg/table"
)

// repairBatchSize bounds how many local rows a single LocalRangeFrom call pulls
// per step, keeping each pass's per-step pause short enough that it
// coexists with live traffic instead of holding a long scan open.
const repairBatchSize = 256

// Driver owns the three repair passes and the tables/blocks they operate
// over. Grounded on pkg/table.Gc's ticker-loop shape and pkg/block.Manager's
// two-phase RunRepairPass.
type Driver struct {
	Objects   *table.Table[model.ObjectEntry]
	Versions  *table.Table[model.VersionEntry]
	BlockRefs *table.Table[model.BlockRefEntry]
	Blocks    *block.Manager
}

// RunLoop runs all three passes once every interval until stop fires,
// logging but never aborting on a pass error, mirroring
// pkg/table.Gc.RunLoop and pkg/block.Manager.RunRepairLoop.
func (d *Driver) RunLoop(ctx context.Context, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.RunAll(ctx, stop)
		}
	}
}

// RunAll runs every pass once, in dependency order (versions before
// block_refs, since a version reclaimed in this run should be visible to
// the block_refs pass that follows it), then the on-disk block sweep.
// Exposed directly for the operator-triggered cluster-wide run.
func (d *Driver) RunAll(ctx context.Context, stop <-chan struct{}) {
	if err := d.RunVersionsPass(ctx, stop); err != nil {
		log.WithComponent("repair").Warn().Err(err).Msg("versions pass failed")
	}
	if err := d.RunBlockRefsPass(ctx, stop); err != nil {
		log.WithComponent("repair").Warn().Err(err).Msg("block_refs pass failed")
	}
	if d.Blocks != nil {
		if err := d.Blocks.RunRepairPass(stop); err != nil {
			log.WithComponent("repair").Warn().Err(err).Msg("blocks pass failed")
		}
	}
}

// RunVersionsPass walks every live Version this node stores locally; a
// version whose owning Object no longer lists it among its live versions
// is reclaimed by inserting a Version{Deleted: true} tombstone, per
// spec §4.11.
func (d *Driver) RunVersionsPass(ctx context.Context, stop <-chan struct{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepairPassDuration, "versions")

	var cursor []byte
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		entries, _, _, next, err := d.Versions.LocalRangeFrom(cursor, repairBatchSize)
		if err != nil {
			return err
		}
		for _, v := range entries {
			if v.Deleted {
				continue
			}
			if err := d.repairOneVersion(ctx, v); err != nil {
				log.WithComponent("repair").Warn().Err(err).Msg("versions pass: entry failed")
			}
		}
		if next == nil {
			return nil
		}
		cursor = next
	}
}

func (d *Driver) repairOneVersion(ctx context.Context, v model.VersionEntry) error {
	obj, err := d.Objects.Get(ctx, v.Backlink.Bucket[:], []byte(v.Backlink.Key))
	if err != nil {
		return err
	}
	if objectHasLiveVersion(obj, v.ID) {
		return nil
	}

	tomb := v
	tomb.Deleted = true
	tomb.Blocks = nil
	if err := d.Versions.Insert(ctx, tomb); err != nil {
		return err
	}
	metrics.RepairRowsFixedTotal.WithLabelValues("versions").Inc()
	return nil
}

func objectHasLiveVersion(obj *model.ObjectEntry, id model.VersionID) bool {
	if obj == nil {
		return false
	}
	for _, ov := range obj.LiveVersions() {
		if ov.Timestamp.ID == id {
			return true
		}
	}
	return false
}

// RunBlockRefsPass walks every live BlockRef this node stores locally; an
// edge whose target Version is missing or already reclaimed is itself
// reclaimed by inserting a BlockRef{Deleted: true} tombstone, per spec
// §4.11. The resulting decref runs through VersionSchema/BlockRefSchema's
// own Updated hooks once the tombstone commits — this pass only decides
// liveness, it never touches refcounts directly.
func (d *Driver) RunBlockRefsPass(ctx context.Context, stop <-chan struct{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepairPassDuration, "block_refs")

	var cursor []byte
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		entries, _, _, next, err := d.BlockRefs.LocalRangeFrom(cursor, repairBatchSize)
		if err != nil {
			return err
		}
		for _, br := range entries {
			if br.Deleted {
				continue
			}
			if err := d.repairOneBlockRef(ctx, br); err != nil {
				log.WithComponent("repair").Warn().Err(err).Msg("block_refs pass: entry failed")
			}
		}
		if next == nil {
			return nil
		}
		cursor = next
	}
}

func (d *Driver) repairOneBlockRef(ctx context.Context, br model.BlockRefEntry) error {
	// Table.Get already hides a Deleted Version behind Schema.Filter, so a
	// nil result here covers both "no such version" and "already reclaimed".
	ver, err := d.Versions.Get(ctx, br.VersionID[:], nil)
	if err != nil {
		return err
	}
	if ver != nil {
		return nil
	}

	tomb := br
	tomb.Deleted = true
	if err := d.BlockRefs.Insert(ctx, tomb); err != nil {
		return err
	}
	metrics.RepairRowsFixedTotal.WithLabelValues("block_refs").Inc()
	return nil
}
