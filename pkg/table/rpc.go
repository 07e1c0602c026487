package table

import (
	"context"

	"github.com/stratastore/strata/pkg/rpc"
)

// UpdateRequest carries entries to merge into the table — used by quorum
// writes (Table.Insert), by anti-entropy item transfer, and by GC's
// propagate-then-delete step.
type UpdateRequest[E any] struct {
	Items []E
}

// UpdateResponse acknowledges an UpdateRequest.
type UpdateResponse struct{}

// ReadEntryRequest asks a replica for a single row.
type ReadEntryRequest struct {
	Partition []byte
	Sort      []byte
}

// ReadEntryResponse is nil-Value (Found=false) when the row doesn't exist
// locally.
type ReadEntryResponse[E any] struct {
	Found bool
	Value E
}

// ReadRangeRequest asks a replica for every row of Partition from Start
// onward that passes the caller's filter, up to Limit (0 = unbounded). Filter is
// evaluated locally on each replica so filtered-out rows (e.g. aborted
// uploads) never cross the wire, per Schema.Filter.
type ReadRangeRequest struct {
	Partition []byte
	Start     []byte
	Limit     int
	OnlyLive  bool
}

// ReadRangeResponse carries the matched rows.
type ReadRangeResponse[E any] struct {
	Items []E
}

// RootCkHashRequest announces the driver's root Merkle hash for a partition.
type RootCkHashRequest struct {
	Partition byte
	Hash      [32]byte
}

// RootCkHashResponse tells the driver whether its root differs from ours.
type RootCkHashResponse struct {
	Different bool
}

// GetNodeRequest asks a peer for the Merkle node at key.
type GetNodeRequest struct {
	Key NodeKey
}

// GetNodeResponse carries the requested node.
type GetNodeResponse struct {
	Node Node
}

// ItemsRequest pushes raw serialized rows during anti-entropy or offload;
// the receiver deserializes and runs them through UpdateMany.
type ItemsRequest struct {
	Items [][]byte
}

// ItemsResponse acknowledges an ItemsRequest.
type ItemsResponse struct{}

// DeleteIfEqualRequest is GC's compare-and-delete message.
type DeleteIfEqualRequest struct {
	Partition []byte
	Sort      []byte
	Expected  []byte
}

// DeleteIfEqualResponse reports whether the row was removed.
type DeleteIfEqualResponse struct {
	Removed bool
}

// endpoints bundles every RPC handle a running Table needs, registered
// under names namespaced by table so multiple tables can share one
// rpc.System (mirrors original_source's per-table
// "garage_table/sync.rs/Rpc:<table>" endpoint naming).
type endpoints[E any] struct {
	update       *rpc.Endpoint[UpdateRequest[E], UpdateResponse]
	readEntry    *rpc.Endpoint[ReadEntryRequest, ReadEntryResponse[E]]
	readRange    *rpc.Endpoint[ReadRangeRequest, ReadRangeResponse[E]]
	rootCkHash   *rpc.Endpoint[RootCkHashRequest, RootCkHashResponse]
	getNode      *rpc.Endpoint[GetNodeRequest, GetNodeResponse]
	items        *rpc.Endpoint[ItemsRequest, ItemsResponse]
	deleteIfEqual *rpc.Endpoint[DeleteIfEqualRequest, DeleteIfEqualResponse]
}

func registerEndpoints[E any](t *Table[E]) *endpoints[E] {
	name := t.data.name
	ep := &endpoints[E]{}
	ep.update = rpc.Register[UpdateRequest[E], UpdateResponse](t.sys, name+"/Update", t.handleUpdate)
	ep.readEntry = rpc.Register[ReadEntryRequest, ReadEntryResponse[E]](t.sys, name+"/ReadEntry", t.handleReadEntry)
	ep.readRange = rpc.Register[ReadRangeRequest, ReadRangeResponse[E]](t.sys, name+"/ReadRange", t.handleReadRange)
	ep.rootCkHash = rpc.Register[RootCkHashRequest, RootCkHashResponse](t.sys, name+"/RootCkHash", t.syncer.handleRootCkHash)
	ep.getNode = rpc.Register[GetNodeRequest, GetNodeResponse](t.sys, name+"/GetNode", t.syncer.handleGetNode)
	ep.items = rpc.Register[ItemsRequest, ItemsResponse](t.sys, name+"/Items", t.syncer.handleItems)
	ep.deleteIfEqual = rpc.Register[DeleteIfEqualRequest, DeleteIfEqualResponse](t.sys, name+"/DeleteIfEqual", t.handleDeleteIfEqual)
	return ep
}

func (t *Table[E]) handleUpdate(ctx context.Context, from rpc.NodeID, req UpdateRequest[E]) (UpdateResponse, error) {
	return UpdateResponse{}, t.data.UpdateMany(req.Items)
}

func (t *Table[E]) handleReadEntry(ctx context.Context, from rpc.NodeID, req ReadEntryRequest) (ReadEntryResponse[E], error) {
	v, err := t.data.Get(req.Partition, req.Sort)
	if err != nil {
		return ReadEntryResponse[E]{}, err
	}
	if v == nil {
		return ReadEntryResponse[E]{Found: false}, nil
	}
	return ReadEntryResponse[E]{Found: true, Value: *v}, nil
}

func (t *Table[E]) handleReadRange(ctx context.Context, from rpc.NodeID, req ReadRangeRequest) (ReadRangeResponse[E], error) {
	keep := func(e E) bool {
		if req.OnlyLive && !t.schema.Filter(e) {
			return false
		}
		return true
	}
	items, err := t.data.GetRange(req.Partition, req.Start, keep, req.Limit)
	if err != nil {
		return ReadRangeResponse[E]{}, err
	}
	return ReadRangeResponse[E]{Items: items}, nil
}

func (t *Table[E]) handleDeleteIfEqual(ctx context.Context, from rpc.NodeID, req DeleteIfEqualRequest) (DeleteIfEqualResponse, error) {
	removed, err := t.data.DeleteIfEqual(req.Partition, req.Sort, req.Expected)
	if err != nil {
		return DeleteIfEqualResponse{}, err
	}
	return DeleteIfEqualResponse{Removed: removed}, nil
}
