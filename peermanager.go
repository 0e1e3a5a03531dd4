package network

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/1sixtech/rs-mojave-network/id"
)

// PeerEvent is produced by PeerManager.Poll.
type PeerEvent interface{ peerEvent() }

// ConnectionEstablished reports that a pending connection was promoted to
// established. EstablishedIn is the wall-clock time between the pending entry
// being created and the upgrade completing.
type ConnectionEstablished struct {
	Origin        ConnectionOrigin
	ConnectionID  id.Connection
	PeerID        PeerID
	Muxer         Muxer
	EstablishedIn time.Duration
}

func (ConnectionEstablished) peerEvent() {}

// PendingOutboundConnectionError reports that a dial failed (or was aborted)
// before it could be promoted to established.
type PendingOutboundConnectionError struct {
	ConnectionID id.Connection
	Err          *PendingError
}

func (PendingOutboundConnectionError) peerEvent() {}

// PendingInboundConnectionError is the inbound counterpart of
// PendingOutboundConnectionError.
type PendingInboundConnectionError struct {
	ConnectionID id.Connection
	Err          *PendingError
}

func (PendingInboundConnectionError) peerEvent() {}

// ConnectionClosed reports that an established connection's driver finished
// tearing down, with the first error it recorded, if any.
type ConnectionClosed struct {
	ConnectionID id.Connection
	Err          error
}

func (ConnectionClosed) peerEvent() {}

// ConnectionNotify carries a handler-emitted NotifyProtocol value up from a
// connection driver.
type ConnectionNotify struct {
	ConnectionID id.Connection
	Event        interface{}
}

func (ConnectionNotify) peerEvent() {}

// pendingOutcome is the internal completion signal for a pending connection
// task, fanned in to PeerManager.Poll.
type pendingOutcome struct {
	connID   id.Connection
	outbound bool
	peer     PeerID
	muxer    Muxer
	err      error
}

// PeerManager owns every pending and established connection: it supervises
// the upgrade tasks racing against their abort signals, promotes successful
// upgrades into driver tasks, and fans their events in for the Node.
type PeerManager struct {
	connIDs   *id.ConnectionPool
	streamIDs *id.StreamPool
	protocol  Protocol
	logger    *log.Logger
	trace     io.Writer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[id.Connection]*PendingPeer
	established map[PeerID]map[id.Connection]*EstablishedConnection

	pendingDone  chan pendingOutcome
	driverEvents chan driverEvent
}

// NewPeerManager builds a PeerManager. parent bounds the lifetime of every
// task the manager spawns; canceling it (or calling Close) tears all of them
// down.
func NewPeerManager(parent context.Context, connIDs *id.ConnectionPool, proto Protocol, logger *log.Logger) *PeerManager {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &PeerManager{
		connIDs:      connIDs,
		streamIDs:    id.NewStreamPool(),
		protocol:     proto,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[id.Connection]*PendingPeer),
		established:  make(map[PeerID]map[id.Connection]*EstablishedConnection),
		pendingDone:  make(chan pendingOutcome, DefaultChannelCapacity),
		driverEvents: make(chan driverEvent, DefaultChannelCapacity),
	}
}

// Close tears down every task the manager owns.
func (m *PeerManager) Close() { m.cancel() }

// AddIncoming races upgrade against its pending entry's abort signal and
// inserts connID into the pending set.
func (m *PeerManager) AddIncoming(upgrade Upgrade, connID id.Connection, localAddr, remoteAddr Multiaddr) {
	pp := newPendingPeer(ListenerOrigin{LocalAddr: localAddr, RemoteAddr: remoteAddr})
	m.mu.Lock()
	m.pending[connID] = pp
	m.mu.Unlock()
	go m.runPending(connID, pp, upgrade, false)
}

// AddOutgoing is the dialer-side counterpart of AddIncoming.
func (m *PeerManager) AddOutgoing(upgrade Upgrade, connID id.Connection, remoteAddr Multiaddr) {
	pp := newPendingPeer(DialerOrigin{RemoteAddr: remoteAddr})
	m.mu.Lock()
	m.pending[connID] = pp
	m.mu.Unlock()
	go m.runPending(connID, pp, upgrade, true)
}

func (m *PeerManager) runPending(connID id.Connection, pp *PendingPeer, upgrade Upgrade, outbound bool) {
	type result struct {
		peer  PeerID
		muxer Muxer
		err   error
	}
	done := make(chan result, 1)
	go func() {
		peer, muxer, err := upgrade(m.ctx)
		done <- result{peer: peer, muxer: muxer, err: err}
	}()

	select {
	case <-pp.abort:
		m.pendingDone <- pendingOutcome{connID: connID, outbound: outbound, err: AbortedPendingError(outbound)}
	case r := <-done:
		if r.err != nil {
			m.pendingDone <- pendingOutcome{connID: connID, outbound: outbound, err: TransportPendingError(outbound, r.err)}
			return
		}
		m.pendingDone <- pendingOutcome{connID: connID, outbound: outbound, peer: r.peer, muxer: r.muxer}
	case <-m.ctx.Done():
	}
}

// spawnConnection is called on successful upgrade: it creates the
// driver-facing channels, records an EstablishedConnection, and spawns the
// connection driver task.
func (m *PeerManager) spawnConnection(connID id.Connection, peer PeerID, origin ConnectionOrigin, muxer Muxer) {
	handler := m.protocol.NewHandler(peer, origin)
	commands := make(chan driverCommand, DefaultChannelCapacity)
	driver := newConnDriver(connID, muxer, handler, m.streamIDs, commands, m.driverEvents, m.logger, m.trace)

	m.mu.Lock()
	if m.established[peer] == nil {
		m.established[peer] = make(map[id.Connection]*EstablishedConnection)
	}
	m.established[peer][connID] = &EstablishedConnection{Origin: origin, commands: commands}
	m.mu.Unlock()

	go driver.run(m.ctx)
}

// Poll drains, in order: driver events, then dropped-muxer cleanup (performed
// inline as part of handling a ConnectionClosed event), then pending
// completions. Within a single call exactly one PeerEvent is returned; the
// node's own poll loop re-polls to keep driver events ahead of pending
// completions.
func (m *PeerManager) Poll(ctx context.Context) (PeerEvent, error) {
	select {
	case ev := <-m.driverEvents:
		return m.handleDriverEvent(ev), nil
	default:
	}

	select {
	case ev := <-m.driverEvents:
		return m.handleDriverEvent(ev), nil
	case o := <-m.pendingDone:
		return m.handlePendingOutcome(o), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

func (m *PeerManager) handleDriverEvent(ev driverEvent) PeerEvent {
	switch e := ev.(type) {
	case connectionClosed:
		m.mu.Lock()
		for peer, conns := range m.established {
			if _, ok := conns[e.ConnectionID]; ok {
				delete(conns, e.ConnectionID)
				if len(conns) == 0 {
					delete(m.established, peer)
				}
				break
			}
		}
		m.mu.Unlock()
		m.connIDs.Release(e.ConnectionID)
		return ConnectionClosed{ConnectionID: e.ConnectionID, Err: e.Err}
	case connectionNotify:
		return ConnectionNotify{ConnectionID: e.ConnectionID, Event: e.Event}
	default:
		panic("network: unknown driver event")
	}
}

func (m *PeerManager) handlePendingOutcome(o pendingOutcome) PeerEvent {
	m.mu.Lock()
	pp := m.pending[o.connID]
	delete(m.pending, o.connID)
	m.mu.Unlock()

	if o.err != nil {
		m.connIDs.Release(o.connID)
		pe, _ := o.err.(*PendingError)
		if o.outbound {
			return PendingOutboundConnectionError{ConnectionID: o.connID, Err: pe}
		}
		return PendingInboundConnectionError{ConnectionID: o.connID, Err: pe}
	}

	var origin ConnectionOrigin
	var establishedIn time.Duration
	if pp != nil {
		origin = pp.Origin
		establishedIn = time.Since(pp.EnteredAt)
	}

	m.spawnConnection(o.connID, o.peer, origin, o.muxer)

	return ConnectionEstablished{
		Origin:        origin,
		ConnectionID:  o.connID,
		PeerID:        o.peer,
		Muxer:         o.muxer,
		EstablishedIn: establishedIn,
	}
}

// Send delivers a protocol-defined command to the handler owning connID. It
// blocks if the driver's command channel is full, applying backpressure
// rather than dropping the command.
func (m *PeerManager) Send(ctx context.Context, peer PeerID, connID id.Connection, event interface{}) bool {
	m.mu.Lock()
	conns := m.established[peer]
	var ec *EstablishedConnection
	if conns != nil {
		ec = conns[connID]
	}
	m.mu.Unlock()
	if ec == nil {
		return false
	}
	select {
	case ec.commands <- notifyProtocolCommand{Event: event}:
		return true
	case <-ctx.Done():
		return false
	}
}

// NotifyAddressChange forwards an AddressChange ConnectionEvent to every
// connection currently established with peer. Unlike Send and
// CloseConnection, this never blocks on a single slow driver: a connection
// whose command channel is momentarily full is skipped rather than stalling
// delivery to the rest of peer's connections, since an address change is
// advisory and a later one (or the connection closing) supersedes it anyway.
func (m *PeerManager) NotifyAddressChange(peer PeerID, newAddr Multiaddr) {
	m.mu.Lock()
	conns := make([]*EstablishedConnection, 0, len(m.established[peer]))
	for _, ec := range m.established[peer] {
		conns = append(conns, ec)
	}
	m.mu.Unlock()

	for _, ec := range conns {
		select {
		case ec.commands <- connectionEventCommand{Event: AddressChange{NewAddr: newAddr}}:
		default:
		}
	}
}

// CloseConnection closes connID gracefully by sending a closeCommand to its
// driver.
func (m *PeerManager) CloseConnection(ctx context.Context, peer PeerID, connID id.Connection) bool {
	m.mu.Lock()
	conns := m.established[peer]
	var ec *EstablishedConnection
	if conns != nil {
		ec = conns[connID]
	}
	m.mu.Unlock()
	if ec == nil {
		return false
	}
	select {
	case ec.commands <- closeCommand{}:
		return true
	case <-ctx.Done():
		return false
	}
}
