// Package rpc is the C2 contract: typed request/response dispatch between
// cluster nodes over a length-prefixed MessagePack wire protocol, with
// optional unidirectional stream attachments, a pre-shared-key handshake,
// and quorum fan-out helpers. It replaces the teacher's grpc/protobuf
// transport (pkg/api, pkg/client in the reference tree) — the wire format
// here is mandated by the external interface this system talks to, which is
// not gRPC (see DESIGN.md for the full justification).
package rpc

import (
	"io"
	"time"

	"github.com/stratastore/strata/pkg/ring"
)

// NodeID identifies a cluster peer; shared with pkg/ring so a replica list
// from Ring.ReplicasOf can be passed directly to TryCallMany.
type NodeID = ring.NodeID

// Priority tags a call for scheduling preference on busy links, per §4.2.
type Priority byte

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PrioritySecondary
)

// QuorumMode selects how TryCallMany resolves once a quorum of successful
// responses has arrived.
type QuorumMode int

const (
	// QuorumWaitForAll collects every response before returning, even after
	// quorum is reached.
	QuorumWaitForAll QuorumMode = iota
	// QuorumInterruptAfterQuorum cancels outstanding requests as soon as a
	// quorum of successes is seen.
	QuorumInterruptAfterQuorum
	// QuorumWithoutTimeout behaves like QuorumInterruptAfterQuorum but never
	// applies the System's default per-call timeout; the caller's ctx
	// deadline, if any, is the only bound.
	QuorumWithoutTimeout
)

// CallOptions tunes a single Call or TryCallMany invocation.
type CallOptions struct {
	Priority Priority
	// Timeout overrides the System default (0 = use default, negative = no
	// per-call timeout).
	Timeout time.Duration
}

// StreamCarrier is implemented by request or response message types that
// attach a unidirectional byte stream (§4.2's "async byte-stream"), e.g.
// GetBlockResponse, which streams a stored block back to the caller. The framework
// calls SetAttachedStream on the receiving side before invoking a handler
// or returning a response to a caller; AttachedStream is read on the
// sending side to know whether to emit stream frames at all.
type StreamCarrier interface {
	AttachedStream() io.Reader
	SetAttachedStream(io.Reader)
}

// NodeError pairs a peer with the error it returned or the transport error
// reaching it; returned by TryCallMany's aggregate error.
type NodeError struct {
	Node NodeID
	Err  error
}
