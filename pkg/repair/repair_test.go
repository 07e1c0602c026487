package repair

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/model"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
	"github.com/stratastore/strata/pkg/table"
)

// newTestDriver builds a single-node Driver with real tables and a real
// block manager, self-registered so quorum writes with N=1 succeed.
func newTestDriver(t *testing.T) (*Driver, context.Context) {
	t.Helper()
	psk, err := security.GeneratePSK()
	require.NoError(t, err)
	self := rpc.NodeID{0: 1}

	sys, err := rpc.NewSystem(rpc.Config{Self: self, PSK: psk, DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, sys.Listen("127.0.0.1:0"))
	sys.AddPeer(self, sys.Addr())

	bdb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	repl := table.FullReplication{Members: func() []ring.NodeID { return []ring.NodeID{self} }, WriteQuorumN: 1}

	level := 1
	mgr, err := block.NewManager(bdb, sys, block.Config{
		DataDir:          filepath.Join(t.TempDir(), "blocks"),
		MetaDir:          t.TempDir(),
		CompressionLevel: &level,
		WriteQuorum:      1,
		ReadQuorum:       1,
		RingFn:           func() block.Ring { return fakeBlockRing{self: self} },
	})
	require.NoError(t, err)

	versions, err := table.New[model.VersionEntry]("versions", model.VersionSchema{DB: bdb, BlockManager: mgr}, repl, bdb, sys, self)
	require.NoError(t, err)
	blockRefs, err := table.New[model.BlockRefEntry]("block_refs", model.BlockRefSchema{DB: bdb, BlockManager: mgr}, repl, bdb, sys, self)
	require.NoError(t, err)
	objects, err := table.New[model.ObjectEntry]("objects", model.ObjectSchema{}, repl, bdb, sys, self)
	require.NoError(t, err)

	return &Driver{Objects: objects, Versions: versions, BlockRefs: blockRefs, Blocks: mgr}, context.Background()
}

type fakeBlockRing struct{ self ring.NodeID }

func (f fakeBlockRing) WriteNodes(block.Hash) []ring.NodeID { return []ring.NodeID{f.self} }
func (f fakeBlockRing) ReadNodes(block.Hash) []ring.NodeID  { return []ring.NodeID{f.self} }

func TestVersionsPassReclaimsOrphanedVersion(t *testing.T) {
	d, ctx := newTestDriver(t)
	bucket := model.NewBucketID()
	vid := model.NewVersionID()

	// Version exists but no Object lists it: the object was never written,
	// or its version list moved on without this uuid.
	require.NoError(t, d.Versions.Insert(ctx, model.VersionEntry{
		ID:       vid,
		Backlink: model.Backlink{Kind: model.BacklinkObject, Bucket: bucket, Key: "orphan.txt"},
	}))

	require.NoError(t, d.RunVersionsPass(ctx, nil))

	got, err := d.Versions.Get(ctx, vid[:], nil)
	require.NoError(t, err)
	require.Nil(t, got, "reclaimed version must be filtered as a tombstone")
}

func TestVersionsPassLeavesLiveVersionAlone(t *testing.T) {
	d, ctx := newTestDriver(t)
	bucket := model.NewBucketID()
	vid := model.NewVersionID()
	ts := model.NewVersionTimestamp(0)
	ts.ID = vid

	require.NoError(t, d.Objects.Insert(ctx, model.ObjectEntry{
		Bucket: bucket, Key: "live.txt",
		Versions: []model.ObjectVersion{{Timestamp: ts, State: model.StateComplete}},
	}))
	require.NoError(t, d.Versions.Insert(ctx, model.VersionEntry{
		ID:       vid,
		Backlink: model.Backlink{Kind: model.BacklinkObject, Bucket: bucket, Key: "live.txt"},
	}))

	require.NoError(t, d.RunVersionsPass(ctx, nil))

	got, err := d.Versions.Get(ctx, vid[:], nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Deleted)
}

func TestBlockRefsPassReclaimsRefToMissingVersion(t *testing.T) {
	d, ctx := newTestDriver(t)
	var h block.Hash
	h[0] = 9
	vid := model.NewVersionID() // never inserted into the versions table

	require.NoError(t, d.BlockRefs.Insert(ctx, model.BlockRefEntry{Hash: h, VersionID: vid}))

	require.NoError(t, d.RunBlockRefsPass(ctx, nil))

	got, err := d.BlockRefs.Get(ctx, h[:], vid[:])
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBlockRefsPassLeavesRefToLiveVersionAlone(t *testing.T) {
	d, ctx := newTestDriver(t)
	var h block.Hash
	h[0] = 3
	vid := model.NewVersionID()

	require.NoError(t, d.Versions.Insert(ctx, model.VersionEntry{ID: vid}))
	require.NoError(t, d.BlockRefs.Insert(ctx, model.BlockRefEntry{Hash: h, VersionID: vid}))

	require.NoError(t, d.RunBlockRefsPass(ctx, nil))

	got, err := d.BlockRefs.Get(ctx, h[:], vid[:])
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Deleted)
}
