package tcpvs

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

const (
	srvconnTabBits = 8
	srvconnTabSize = 1 << srvconnTabBits
	srvconnTabMask = srvconnTabSize - 1

	flushRetryDelay = 10 * time.Millisecond
)

// ErrPoolClosed is returned by New once the pool has been flushed.
var ErrPoolClosed = errors.New("server connection pool closed")

type srvconnState uint8

const (
	srvconnCheckedOut srvconnState = iota // owned by exactly one caller
	srvconnIdle                           // hashed, keep-alive timer armed
	srvconnFreed
)

// ServerConn is a backend connection bound to one destination.
type ServerConn struct {
	net.Conn

	dest *Destination
	key  netip.AddrPort

	// guarded by the pool lock
	state srvconnState
	timer *time.Timer
	gen   uint64
}

func (sc *ServerConn) Dest() *Destination { return sc.dest }

// ServerConnPool keeps idle backend connections hashed by address and port.
// Bucket mutation, timer arm/cancel and state changes happen under one lock,
// so a connection is never handed out twice nor freed twice.
type ServerConnPool struct {
	keepAlive time.Duration
	dialer    Dialer

	mu     sync.Mutex
	tab    [srvconnTabSize][]*ServerConn
	closed bool

	counter *xsync.Counter // live connections, idle or checked out
}

func NewServerConnPool(keepAlive time.Duration, dialer Dialer) *ServerConnPool {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &ServerConnPool{
		keepAlive: keepAlive,
		dialer:    dialer,
		counter:   xsync.NewCounter(),
	}
}

func srvconnHashKey(ap netip.AddrPort) uint32 {
	var a uint32
	if ap.Addr().Is4() {
		b := ap.Addr().As4()
		a = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	} else {
		b := ap.Addr().As16()
		for i := 0; i < 16; i += 4 {
			a ^= uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3])
		}
	}
	return (a ^ (a >> srvconnTabBits) ^ uint32(ap.Port())) & srvconnTabMask
}

// Len returns the number of live pooled connections.
func (p *ServerConnPool) Len() int64 { return p.counter.Value() }

// Idle returns the number of hashed connections.
func (p *ServerConnPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.tab {
		n += len(b)
	}
	return n
}

// Get checks out an idle connection to ap, or returns nil.
func (p *ServerConnPool) Get(ap netip.AddrPort) *ServerConn {
	idx := srvconnHashKey(ap)

	p.mu.Lock()
	bucket := p.tab[idx]
	for i := len(bucket) - 1; i >= 0; i-- {
		sc := bucket[i]
		if sc.key != ap {
			continue
		}
		p.removeAt(idx, i)
		sc.timer.Stop()
		sc.state = srvconnCheckedOut
		p.mu.Unlock()
		metrics.PoolHitsTotal.Inc()
		return sc
	}
	p.mu.Unlock()
	metrics.PoolMissesTotal.Inc()
	return nil
}

// Put returns a checked-out connection and re-arms its keep-alive timer.
func (p *ServerConnPool) Put(sc *ServerConn) {
	p.mu.Lock()
	if sc.state != srvconnCheckedOut {
		p.mu.Unlock()
		return
	}
	if p.closed {
		sc.state = srvconnFreed
		p.mu.Unlock()
		p.release(sc)
		return
	}
	sc.gen++
	gen := sc.gen
	sc.timer = time.AfterFunc(p.keepAlive, func() { p.expire(sc, gen) })
	idx := srvconnHashKey(sc.key)
	p.tab[idx] = append(p.tab[idx], sc)
	sc.state = srvconnIdle
	p.mu.Unlock()
}

// New connects to dest and binds the connection to it. A connect failure
// marks dest inactive; a success marks it active.
func (p *ServerConnPool) New(ctx context.Context, dest *Destination) (*ServerConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	conn, err := connect2dest(ctx, p.dialer, dest)
	if err != nil {
		return nil, err
	}
	sc := &ServerConn{Conn: conn, dest: dest, key: dest.AddrPort, state: srvconnCheckedOut}
	dest.bind()
	dest.SetActive(true)
	p.counter.Inc()
	metrics.PoolConnections.Inc()

	logger.L.Debug("created server connection", zap.String("destination", dest.String()))
	return sc, nil
}

// Free closes a checked-out connection and unbinds it from its destination.
func (p *ServerConnPool) Free(sc *ServerConn) {
	p.mu.Lock()
	switch sc.state {
	case srvconnFreed:
		p.mu.Unlock()
		return
	case srvconnIdle:
		p.unhash(sc)
		sc.timer.Stop()
	}
	sc.state = srvconnFreed
	p.mu.Unlock()
	p.release(sc)
}

// expire runs from the keep-alive timer. A connection checked out (or put
// back under a newer timer) since the timer was armed belongs to someone
// else and is left alone.
func (p *ServerConnPool) expire(sc *ServerConn, gen uint64) {
	p.mu.Lock()
	if sc.state != srvconnIdle || sc.gen != gen {
		p.mu.Unlock()
		return
	}
	p.unhash(sc)
	sc.state = srvconnFreed
	p.mu.Unlock()

	metrics.PoolExpiredTotal.Inc()
	logger.L.Debug("released idle server connection", zap.String("destination", sc.key.String()))
	p.release(sc)
}

// Purge frees every idle connection and returns how many were freed.
func (p *ServerConnPool) Purge() int {
	n := 0
	for idx := range p.tab {
		p.mu.Lock()
		victims := p.tab[idx]
		p.tab[idx] = nil
		for _, sc := range victims {
			sc.timer.Stop()
			sc.state = srvconnFreed
		}
		p.mu.Unlock()

		for _, sc := range victims {
			p.release(sc)
		}
		n += len(victims)
	}
	return n
}

// Flush closes the pool and frees every connection. Connections still
// checked out are freed when they come back, so Flush retries until the
// pool is empty or ctx ends.
func (p *ServerConnPool) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		p.Purge()
		if p.counter.Value() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushRetryDelay):
		}
	}
}

func (p *ServerConnPool) release(sc *ServerConn) {
	_ = sc.Conn.Close()
	if sc.dest != nil {
		sc.dest.unbind()
	}
	p.counter.Dec()
	metrics.PoolConnections.Dec()
}

func (p *ServerConnPool) unhash(sc *ServerConn) {
	idx := srvconnHashKey(sc.key)
	for i, c := range p.tab[idx] {
		if c == sc {
			p.removeAt(idx, i)
			return
		}
	}
}

func (p *ServerConnPool) removeAt(idx uint32, i int) {
	b := p.tab[idx]
	copy(b[i:], b[i+1:])
	b[len(b)-1] = nil
	p.tab[idx] = b[:len(b)-1]
}
