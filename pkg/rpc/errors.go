package rpc

import (
	"fmt"

	"github.com/stratastore/strata/pkg/xerrors"
)

// classifyError maps a handler error onto the wire error taxonomy (§7),
// preserving its xerrors.Kind when present so the caller-side error keeps
// its HTTP-status mapping after crossing the network.
func classifyError(err error) (byte, string) {
	return byte(xerrors.KindOf(err)), err.Error()
}

// remoteError reconstructs an error on the caller side from a response
// envelope's kind/message, tagged as a RemoteError unless the original kind
// survived the trip (it always does here since ErrKind carries it).
func remoteError(node NodeID, kind byte, msg string) error {
	k := xerrors.Kind(kind)
	return xerrors.New(k, fmt.Sprintf("%s: %s", node, msg))
}
