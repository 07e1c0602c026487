package rpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/stratastore/strata/pkg/xerrors"
)

// Call sends req to node and waits for its typed response, per §4.2.
func Call[Req any, Resp any](ctx context.Context, e *Endpoint[Req, Resp], node NodeID, req Req, opts CallOptions) (Resp, error) {
	var zero Resp

	pool, err := e.sys.poolFor(node)
	if err != nil {
		return zero, err
	}
	conn, err := pool.get()
	if err != nil {
		return zero, fmt.Errorf("connect to %s: %w", node, err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.sys.defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	// Force any in-flight read/write to return immediately if ctx is
	// cancelled (e.g. TryCallMany's interrupt-after-quorum), since net.Conn
	// has no native context support.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(0, 1))
		case <-watchDone:
		}
	}()

	start := time.Now()
	resp, stream, err := doCall[Req, Resp](conn, node, e.path, req)
	if err != nil {
		pool.discard(conn)
		return zero, err
	}
	e.sys.recordRTT(node, time.Since(start))

	if stream == nil {
		conn.SetDeadline(time.Time{})
		pool.put(conn)
	} else if sc, ok := any(&resp).(StreamCarrier); ok {
		sc.SetAttachedStream(&poolReturningReader{r: stream, conn: conn, pool: pool})
	} else {
		// Response declared a stream but Resp can't hold one: drain and
		// recycle the connection rather than leaking the frames.
		drainStream(stream)
		conn.SetDeadline(time.Time{})
		pool.put(conn)
	}
	return resp, nil
}

func doCall[Req any, Resp any](conn net.Conn, node NodeID, path string, req Req) (Resp, *streamReader, error) {
	var zero Resp

	body, err := marshal(req)
	if err != nil {
		return zero, nil, fmt.Errorf("encode request %s: %w", path, err)
	}
	var attached io.Reader
	if sc, ok := any(&req).(StreamCarrier); ok {
		attached = sc.AttachedStream()
	}
	env := requestEnvelope{Path: path, Body: body, HasStream: attached != nil}
	encoded, err := marshal(env)
	if err != nil {
		return zero, nil, fmt.Errorf("encode envelope %s: %w", path, err)
	}
	if err := writeFrame(conn, frameRequest, encoded); err != nil {
		return zero, nil, fmt.Errorf("send request %s: %w", path, err)
	}
	if attached != nil {
		if err := writeStream(conn, attached); err != nil {
			return zero, nil, fmt.Errorf("send attachment %s: %w", path, err)
		}
	}

	kind, payload, err := readFrame(conn)
	if err != nil {
		return zero, nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if kind != frameResponse {
		return zero, nil, fmt.Errorf("unexpected frame kind %d for %s response", kind, path)
	}
	var renv responseEnvelope
	if err := unmarshal(payload, &renv); err != nil {
		return zero, nil, fmt.Errorf("decode response envelope %s: %w", path, err)
	}
	if !renv.OK {
		return zero, nil, remoteError(node, renv.ErrKind, renv.ErrMsg)
	}
	var resp Resp
	if len(renv.Body) > 0 {
		if err := unmarshal(renv.Body, &resp); err != nil {
			return zero, nil, fmt.Errorf("decode response body %s: %w", path, err)
		}
	}
	if renv.HasStream {
		return resp, newStreamReader(conn), nil
	}
	return resp, nil, nil
}

// poolReturningReader returns its connection to the pool on a clean EOF, or
// discards it on any other error, so a streamed Call's caller doesn't need
// to know about connection pooling at all.
type poolReturningReader struct {
	r    io.Reader
	conn net.Conn
	pool *connPool
	done bool
}

func (p *poolReturningReader) Read(b []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.r.Read(b)
	if err == io.EOF {
		p.done = true
		p.conn.SetDeadline(time.Time{})
		p.pool.put(p.conn)
	} else if err != nil {
		p.done = true
		p.pool.discard(p.conn)
	}
	return n, err
}

// result pairs a TryCallMany response with its origin node, preserving
// which replica answered for read-repair and request_order bookkeeping.
type result[Resp any] struct {
	node NodeID
	resp Resp
	err  error
}

// TryCallMany sends req to every node in parallel and resolves once quorum
// successful responses arrive, per §4.2's three modes.
func TryCallMany[Req any, Resp any](ctx context.Context, e *Endpoint[Req, Resp], nodes []NodeID, req Req, quorum int, mode QuorumMode, opts CallOptions) ([]Resp, []NodeError, error) {
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("try_call_many %s: no nodes given", e.path)
	}

	callOpts := opts
	if mode == QuorumWithoutTimeout {
		callOpts.Timeout = -1 // sentinel: caller's ctx deadline is the only bound
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result[Resp], len(nodes))
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := Call[Req, Resp](callCtx, e, n, req, callOpts)
			select {
			case results <- result[Resp]{node: n, resp: resp, err: err}:
			case <-callCtx.Done():
			}
		}()
	}
	if mode == QuorumWaitForAll {
		go func() { wg.Wait(); close(results) }()
	}

	var (
		oks  []Resp
		errs []NodeError
	)
	for i := 0; i < len(nodes); i++ {
		r, ok := <-results
		if !ok {
			break
		}
		if r.err != nil {
			errs = append(errs, NodeError{Node: r.node, Err: r.err})
			continue
		}
		oks = append(oks, r.resp)
		if len(oks) >= quorum && mode != QuorumWaitForAll {
			cancel() // interrupt stragglers; their goroutines exit on callCtx.Done
			break
		}
	}

	if len(oks) >= quorum {
		return oks, errs, nil
	}
	return oks, errs, xerrors.QuorumFailure(e.path, quorum, len(oks), toXerrorsNodeErrors(errs))
}

func toXerrorsNodeErrors(errs []NodeError) []xerrors.NodeError {
	out := make([]xerrors.NodeError, len(errs))
	for i, e := range errs {
		out[i] = xerrors.NodeError{Node: e.Node.String(), Err: e.Err}
	}
	return out
}
