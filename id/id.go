// Package id implements the dense, reusable identifier pools used to name
// connections and substreams.
//
// Each pool hands out the smallest currently-unused non-negative integer and
// returns it to service once released, so long-lived processes do not grow
// an ever-increasing id space as connections come and go.
package id

import (
	"fmt"
	"sync"
)

// Connection identifies a single dialed or accepted connection for as long as
// it is pending or established. A Connection value is only ever unique among
// other currently-live values from the same Pool; once released it may be
// handed back out by a later Next call.
type Connection uint64

// String renders the id for logs and debug output.
func (c Connection) String() string {
	return fmt.Sprintf("ConnectionId(%d)", uint64(c))
}

// Stream identifies a single substream multiplexed within a connection. It has
// identical reuse semantics to Connection, but is drawn from a separate pool.
type Stream uint64

// String renders the id for logs and debug output.
func (s Stream) String() string {
	return fmt.Sprintf("StreamId(%d)", uint64(s))
}

// Pool is a mutex-guarded dense allocator of unsigned integer ids. The zero
// value is an empty, ready-to-use pool.
//
// Pool does not assume monotonicity: Next may return an id smaller than one
// previously released, and callers must not rely on ids increasing over time.
type Pool struct {
	mu   sync.Mutex
	free []uint64
	live map[uint64]struct{}
	next uint64
}

// Next allocates and returns an id distinct from every id currently live in
// this pool.
func (p *Pool) Next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live == nil {
		p.live = make(map[uint64]struct{})
	}

	var v uint64
	if n := len(p.free); n > 0 {
		best := 0
		for i := 1; i < n; i++ {
			if p.free[i] < p.free[best] {
				best = i
			}
		}
		v = p.free[best]
		p.free[best] = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		v = p.next
		p.next++
	}
	p.live[v] = struct{}{}
	return v
}

// Release returns id to the pool so that it may be reused by a future call to
// Next. Releasing an id that is not currently live is a programmer error and
// panics.
func (p *Pool) Release(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[v]; !ok {
		panic(fmt.Sprintf("id: release of id %d that is not live in this pool", v))
	}
	delete(p.live, v)
	p.free = append(p.free, v)
}

// Live reports the number of currently allocated ids. It exists for tests and
// diagnostics.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// ConnectionPool allocates Connection ids.
type ConnectionPool struct {
	pool Pool
}

// NewConnectionPool returns a ready-to-use ConnectionPool.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{}
}

// Next allocates a new Connection id.
func (p *ConnectionPool) Next() Connection {
	return Connection(p.pool.Next())
}

// Release returns id to the pool. Releasing an id that is not live panics.
func (p *ConnectionPool) Release(id Connection) {
	p.pool.Release(uint64(id))
}

// StreamPool allocates Stream ids.
type StreamPool struct {
	pool Pool
}

// NewStreamPool returns a ready-to-use StreamPool.
func NewStreamPool() *StreamPool {
	return &StreamPool{}
}

// Next allocates a new Stream id.
func (p *StreamPool) Next() Stream {
	return Stream(p.pool.Next())
}

// Release returns id to the pool. Releasing an id that is not live panics.
func (p *StreamPool) Release(id Stream) {
	p.pool.Release(uint64(id))
}
