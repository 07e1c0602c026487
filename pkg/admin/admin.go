// Package admin exposes a small set of operator RPC endpoints over the
// same pkg/rpc transport peers already use: triggering an out-of-cycle
// repair pass and reading a bucket's quota usage, for cmd/strata-admin.
// Grounded on pkg/block/rpc.go and pkg/table/rpc.go's Register/handle shape.
package admin

import (
	"context"

	"github.com/stratastore/strata/pkg/model"
	"github.com/stratastore/strata/pkg/repair"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
)

// RunRepairRequest asks the receiving node to run every repair pass once,
// synchronously, instead of waiting for its next ticker tick.
type RunRepairRequest struct{}

// RunRepairResponse is empty on success; errors travel as RPC errors.
type RunRepairResponse struct{}

// BucketUsageRequest asks for one bucket's live object/byte counts.
type BucketUsageRequest struct {
	Bucket model.BucketID
}

// BucketUsageResponse reports the counts FilteredValues summed across every
// node that has ever touched the bucket's counter entry.
type BucketUsageResponse struct {
	Objects uint64
	Bytes   uint64
}

// Endpoints bundles the client-side handles cmd/strata-admin calls.
type Endpoints struct {
	RunRepair   *rpc.Endpoint[RunRepairRequest, RunRepairResponse]
	BucketUsage *rpc.Endpoint[BucketUsageRequest, BucketUsageResponse]
}

// Server implements the handler side, registered on a running node.
type Server struct {
	Driver  *repair.Driver
	Counter *model.IndexCounter
}

// Register installs the admin endpoints on sys and returns the client
// handles a peer (or cmd/strata-admin) would use to call them.
func Register(sys *rpc.System, s *Server) *Endpoints {
	return &Endpoints{
		RunRepair:   rpc.Register[RunRepairRequest, RunRepairResponse](sys, "admin/RunRepair", s.handleRunRepair),
		BucketUsage: rpc.Register[BucketUsageRequest, BucketUsageResponse](sys, "admin/BucketUsage", s.handleBucketUsage),
	}
}

// ClientEndpoints builds the same handles without registering any local
// handler, for a process (cmd/strata-admin) that only ever calls out.
func ClientEndpoints(sys *rpc.System) *Endpoints {
	return &Endpoints{
		RunRepair:   rpc.ClientEndpoint[RunRepairRequest, RunRepairResponse](sys, "admin/RunRepair"),
		BucketUsage: rpc.ClientEndpoint[BucketUsageRequest, BucketUsageResponse](sys, "admin/BucketUsage"),
	}
}

func (s *Server) handleRunRepair(ctx context.Context, from rpc.NodeID, req RunRepairRequest) (RunRepairResponse, error) {
	s.Driver.RunAll(ctx, nil)
	return RunRepairResponse{}, nil
}

func (s *Server) handleBucketUsage(ctx context.Context, from rpc.NodeID, req BucketUsageRequest) (BucketUsageResponse, error) {
	entry, err := s.Counter.Get(ctx, req.Bucket[:], nil)
	if err != nil {
		return BucketUsageResponse{}, err
	}
	if entry == nil {
		return BucketUsageResponse{}, nil
	}
	sums := entry.FilteredValues(func(ring.NodeID) bool { return true })
	return BucketUsageResponse{Objects: uint64(sums["objects"]), Bytes: uint64(sums["bytes"])}, nil
}
