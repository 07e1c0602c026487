package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/security"
)

// handlerFunc is the untyped form every registered Endpoint compiles down
// to, so System.serve can dispatch by path without knowing Req/Resp.
type handlerFunc func(ctx context.Context, from NodeID, body []byte, hasStream bool, stream *streamReader) (respBody []byte, respStream io.Reader, err error)

// System is the node-local RPC endpoint: it serves registered handlers to
// peers and lets callers reach peers through typed Endpoints.
type System struct {
	self           NodeID
	psk            security.PSK
	tlsServer      *tls.Config
	tlsClient      *tls.Config
	defaultTimeout time.Duration

	mu       sync.RWMutex
	peerAddr map[NodeID]string
	pools    map[NodeID]*connPool
	rtt      map[NodeID]time.Duration

	handlers map[string]handlerFunc

	listener  net.Listener
	closed    atomic.Bool
	accepting sync.WaitGroup
}

// Config collects what System needs to listen and dial peers.
type Config struct {
	Self           NodeID
	PSK            security.PSK
	TLS            security.TLSConfig
	DefaultTimeout time.Duration
}

func NewSystem(cfg Config) (*System, error) {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	srvTLS, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("build rpc tls server config: %w", err)
	}
	return &System{
		self:           cfg.Self,
		psk:            cfg.PSK,
		tlsServer:      srvTLS,
		tlsClient:      cfg.TLS.ClientConfig(),
		defaultTimeout: timeout,
		peerAddr:       make(map[NodeID]string),
		pools:          make(map[NodeID]*connPool),
		rtt:            make(map[NodeID]time.Duration),
		handlers:       make(map[string]handlerFunc),
	}, nil
}

// AddPeer registers (or updates) the address a node's requests are dialed
// at, e.g. from a freshly published Ring.
func (s *System) AddPeer(node NodeID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerAddr[node] == addr {
		return
	}
	s.peerAddr[node] = addr
	if old, ok := s.pools[node]; ok {
		old.closeAll()
		delete(s.pools, node)
	}
}

func (s *System) poolFor(node NodeID) (*connPool, error) {
	s.mu.RLock()
	p, ok := s.pools[node]
	addr, hasAddr := s.peerAddr[node]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !hasAddr {
		return nil, fmt.Errorf("no known address for node %s", node)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[node]; ok {
		return p, nil
	}
	p = newConnPool(addr, s.psk, s.tlsClient)
	s.pools[node] = p
	return p, nil
}

// recordRTT updates the observed round-trip time used by RequestOrder.
func (s *System) recordRTT(node NodeID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rtt[node]; ok {
		// exponential moving average smooths out one-off spikes
		s.rtt[node] = (prev*3 + d) / 4
	} else {
		s.rtt[node] = d
	}
}

// RequestOrder orders nodes by observed RTT ascending, unseen nodes last in
// their given order (§4.2).
func (s *System) RequestOrder(nodes []NodeID) []NodeID {
	s.mu.RLock()
	rtt := make(map[NodeID]time.Duration, len(s.rtt))
	for k, v := range s.rtt {
		rtt[k] = v
	}
	s.mu.RUnlock()

	out := append([]NodeID(nil), nodes...)
	sort.SliceStable(out, func(i, j int) bool {
		di, oki := rtt[out[i]]
		dj, okj := rtt[out[j]]
		if oki && okj {
			return di < dj
		}
		return oki && !okj
	})
	return out
}

// Listen starts accepting connections on addr. Serve must be called to
// process them.
func (s *System) Listen(addr string) error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsServer != nil {
		ln, err = tls.Listen("tcp", addr, s.tlsServer)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen rpc on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the address Listen bound to, for registering this node with
// peers (e.g. in tests, or a first AddPeer(self, ...) at startup).
func (s *System) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts and handles connections until ctx is cancelled or Close is
// called. Each connection is handled by a single goroutine processing one
// request/response (and its stream, if any) at a time, matching the
// checkout discipline connPool uses on the client side.
func (s *System) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("rpc accept: %w", err)
		}
		s.accepting.Add(1)
		go func() {
			defer s.accepting.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *System) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, p := range s.pools {
		p.closeAll()
	}
	s.mu.Unlock()
	s.accepting.Wait()
	return err
}

func (s *System) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if err := serverHandshake(conn, s.psk); err != nil {
		log.Logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rpc handshake rejected")
		return
	}
	for {
		kind, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		if kind != frameRequest {
			return
		}
		var env requestEnvelope
		if err := unmarshal(payload, &env); err != nil {
			return
		}

		var stream *streamReader
		if env.HasStream {
			stream = newStreamReader(conn)
		}

		s.mu.RLock()
		h, ok := s.handlers[env.Path]
		s.mu.RUnlock()

		var (
			respBody   []byte
			respStream io.Reader
			herr       error
		)
		if !ok {
			herr = fmt.Errorf("no handler registered for path %q", env.Path)
		} else {
			respBody, respStream, herr = h(ctx, s.self, env.Body, env.HasStream, stream)
		}
		if env.HasStream && stream != nil {
			drainStream(stream)
		}

		resp := responseEnvelope{ID: env.ID, OK: herr == nil}
		if herr != nil {
			kind, msg := classifyError(herr)
			resp.ErrKind, resp.ErrMsg = kind, msg
		} else {
			resp.Body = respBody
			resp.HasStream = respStream != nil
		}
		encoded, err := marshal(resp)
		if err != nil {
			return
		}
		if err := writeFrame(conn, frameResponse, encoded); err != nil {
			return
		}
		if resp.HasStream {
			if err := writeStream(conn, respStream); err != nil {
				return
			}
		}
	}
}

// drainStream discards any stream bytes a handler didn't fully consume so
// the connection is left at a clean frame boundary for the next request.
func drainStream(s *streamReader) {
	var buf [4096]byte
	for {
		_, err := s.Read(buf[:])
		if err != nil {
			return
		}
	}
}
