package rpc

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/stratastore/strata/pkg/security"
)

// connPool hands out handshaken connections to one peer. A call checks a
// connection out, runs its full request/response (and any stream frames)
// cycle, then returns it — so a single connection never carries more than
// one in-flight call, and stream framing within it needs no multiplexing.
type connPool struct {
	addr    string
	psk     security.PSK
	tlsConf *tls.Config

	mu   sync.Mutex
	idle []net.Conn
}

func newConnPool(addr string, psk security.PSK, tlsConf *tls.Config) *connPool {
	return &connPool{addr: addr, psk: psk, tlsConf: tlsConf}
}

func (p *connPool) get() (net.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.dial()
}

func (p *connPool) dial() (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if p.tlsConf != nil {
		conn, err = tls.Dial("tcp", p.addr, p.tlsConf)
	} else {
		conn, err = net.Dial("tcp", p.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	if err := clientHandshake(conn, p.psk); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", p.addr, err)
	}
	return conn, nil
}

// put returns a healthy connection to the pool, bounded to avoid unbounded
// growth when a peer is briefly over-subscribed.
func (p *connPool) put(c net.Conn) {
	const maxIdle = 8
	p.mu.Lock()
	if len(p.idle) >= maxIdle {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

func (p *connPool) discard(c net.Conn) { c.Close() }

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}
