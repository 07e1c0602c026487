package rpc

import (
	"context"
	"fmt"
	"io"
)

// Endpoint is the typed dispatch unit for a single message kind M with
// response R (§4.2). Register creates one per (path, handler) pair; the
// returned Endpoint is what Call and TryCallMany are invoked against.
type Endpoint[Req any, Resp any] struct {
	path string
	sys  *System
}

// Register installs handler under path on sys and returns the typed handle
// used to call it on peers. Req/Resp may optionally implement StreamCarrier
// to attach a byte stream in the corresponding direction.
func Register[Req any, Resp any](sys *System, path string, handler func(ctx context.Context, from NodeID, req Req) (Resp, error)) *Endpoint[Req, Resp] {
	sys.mu.Lock()
	sys.handlers[path] = func(ctx context.Context, from NodeID, body []byte, hasStream bool, stream *streamReader) ([]byte, io.Reader, error) {
		var req Req
		if len(body) > 0 {
			if err := unmarshal(body, &req); err != nil {
				return nil, nil, fmt.Errorf("decode request %s: %w", path, err)
			}
		}
		if hasStream {
			if sc, ok := any(&req).(StreamCarrier); ok {
				sc.SetAttachedStream(stream)
			}
		}
		resp, err := handler(ctx, from, req)
		if err != nil {
			return nil, nil, err
		}
		var respStream io.Reader
		if sc, ok := any(&resp).(StreamCarrier); ok {
			respStream = sc.AttachedStream()
		}
		encoded, err := marshal(resp)
		if err != nil {
			return nil, nil, fmt.Errorf("encode response %s: %w", path, err)
		}
		return encoded, respStream, nil
	}
	sys.mu.Unlock()
	return &Endpoint[Req, Resp]{path: path, sys: sys}
}

// Path returns the symbolic dispatch path this endpoint was registered
// under, for logging.
func (e *Endpoint[Req, Resp]) Path() string { return e.path }

// ClientEndpoint returns a handle for calling path on peers without
// installing a local handler for it — for a node that only ever consumes an
// endpoint another table or component owns (e.g. a read-only admin client).
func ClientEndpoint[Req any, Resp any](sys *System, path string) *Endpoint[Req, Resp] {
	return &Endpoint[Req, Resp]{path: path, sys: sys}
}
