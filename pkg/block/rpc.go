package block

import (
	"context"
	"io"
	"os"

	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/xerrors"
)

// GetBlockRequest asks a peer for a block by hash (§4.4/§6.6). OrderTag is
// opaque cargo the requester mints to re-serialize chunks of several
// concurrent GetBlock streams, per spec.md:328/:482; the handler never
// inspects it.
type GetBlockRequest struct {
	Hash     Hash
	OrderTag OrderTag
}

// GetBlockResponse carries the block back as an attached byte stream
// (§6.2/§6.6: "attached streams are a separate frame type"), compressed or
// not as indicated by Compressed; the receiving node never buffers the
// whole block to decide whether to serve it.
type GetBlockResponse struct {
	Compressed bool

	stream io.Reader
}

func (r *GetBlockResponse) AttachedStream() io.Reader     { return r.stream }
func (r *GetBlockResponse) SetAttachedStream(s io.Reader) { r.stream = s }

// PutBlockRequest pushes a block to a peer, in whichever form the sender
// already had it in (no re-compression in flight).
type PutBlockRequest struct {
	Hash  Hash
	Block wireBlock
}

// PutBlockResponse acknowledges a PutBlock; empty on success, error
// otherwise.
type PutBlockResponse struct{}

// NeedBlockRequest asks whether the receiving node still wants a copy of a
// block this node is considering deleting (§4.4's delete-if-unneeded check).
type NeedBlockRequest struct {
	Hash Hash
}

// NeedBlockResponse answers a NeedBlockRequest.
type NeedBlockResponse struct {
	Needed bool
}

func (m *Manager) handleGetBlock(ctx context.Context, from rpc.NodeID, req GetBlockRequest) (GetBlockResponse, error) {
	lock := m.lockFor(req.Hash)
	lock.Lock()
	compressed, ok := m.onDiskFormLocked(req.Hash)
	if !ok {
		lock.Unlock()
		return GetBlockResponse{}, xerrors.New(xerrors.NotFound, "block not present locally")
	}
	f, err := os.Open(m.blockPath(req.Hash, compressed))
	lock.Unlock()
	if err != nil {
		return GetBlockResponse{}, xerrors.Wrap(xerrors.IoError, "open block file", err)
	}

	resp := GetBlockResponse{Compressed: compressed}
	resp.SetAttachedStream(&fileStream{f: f})
	return resp, nil
}

func (m *Manager) handlePutBlock(ctx context.Context, from rpc.NodeID, req PutBlockRequest) (PutBlockResponse, error) {
	data, err := req.Block.decode()
	if err != nil {
		return PutBlockResponse{}, xerrors.Wrap(xerrors.Corrupt, "decode put block", err)
	}
	if !VerifyHash(data, req.Hash) {
		return PutBlockResponse{}, xerrors.New(xerrors.Corrupt, "put block failed hash verification")
	}
	lock := m.lockFor(req.Hash)
	lock.Lock()
	defer lock.Unlock()
	if err := m.writeBlockLocked(req.Hash, req.Block); err != nil {
		return PutBlockResponse{}, xerrors.Wrap(xerrors.IoError, "write block", err)
	}
	return PutBlockResponse{}, nil
}

func (m *Manager) handleNeedBlock(ctx context.Context, from rpc.NodeID, req NeedBlockRequest) (NeedBlockResponse, error) {
	needed, err := m.Need(req.Hash)
	if err != nil {
		return NeedBlockResponse{}, err
	}
	return NeedBlockResponse{Needed: needed}, nil
}
