package network

import (
	"context"
	"io"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/1sixtech/rs-mojave-network/id"
)

// NodeEvent is produced by Node.PollNext.
type NodeEvent interface{ nodeEvent() }

// NodeConnectionEstablished reports a connection promoted from pending to
// established.
type NodeConnectionEstablished struct {
	ConnectionID id.Connection
	PeerID       PeerID
}

func (NodeConnectionEstablished) nodeEvent() {}

// NodeConnectionClosed reports that an established connection finished
// tearing down.
type NodeConnectionClosed struct {
	ConnectionID id.Connection
	Err          error
}

func (NodeConnectionClosed) nodeEvent() {}

// NodeIncomingConnection reports a freshly accepted, not-yet-upgraded
// connection.
type NodeIncomingConnection struct {
	ConnectionID  id.Connection
	RemoteAddress Multiaddr
}

func (NodeIncomingConnection) nodeEvent() {}

// NodeNewListenAddr reports a new local address a transport is listening on.
type NodeNewListenAddr struct{ Address Multiaddr }

func (NodeNewListenAddr) nodeEvent() {}

// NodeAddressExpired reports that a previously reported listen address is no
// longer valid.
type NodeAddressExpired struct{ Address Multiaddr }

func (NodeAddressExpired) nodeEvent() {}

// NodeListenerClosed reports that a listener shut down.
type NodeListenerClosed struct{ Reason error }

func (NodeListenerClosed) nodeEvent() {}

// NodeListenerError reports a non-fatal listener error.
type NodeListenerError struct{ Err error }

func (NodeListenerError) nodeEvent() {}

// NodeDialFailure reports that an outbound pending connection failed or was
// aborted before becoming established.
type NodeDialFailure struct {
	ConnectionID id.Connection
	Err          *PendingError
}

func (NodeDialFailure) nodeEvent() {}

// NodeIncomingConnectionError is the inbound counterpart of NodeDialFailure.
type NodeIncomingConnectionError struct {
	ConnectionID id.Connection
	Err          *PendingError
}

func (NodeIncomingConnectionError) nodeEvent() {}

// NodeProtocolNotification carries a handler-defined NotifyProtocol value up
// from one connection's driver.
type NodeProtocolNotification struct {
	ConnectionID id.Connection
	Event        interface{}
}

func (NodeProtocolNotification) nodeEvent() {}

// Builder assembles a Node's transport table before it starts running.
type Builder struct {
	peerID     PeerID
	protocol   Protocol
	logger     *log.Logger
	trace      io.Writer
	transports map[TransportKey]Transport
}

// NewBuilder starts a Builder for peerID, dispatching every established
// connection to proto's handler factory.
func NewBuilder(peerID PeerID, proto Protocol) *Builder {
	return &Builder{
		peerID:     peerID,
		protocol:   proto,
		transports: make(map[TransportKey]Transport),
	}
}

// WithLogger overrides the default logger used by the Node and everything it
// spawns.
func (b *Builder) WithLogger(logger *log.Logger) *Builder {
	b.logger = logger
	return b
}

// WithNegotiationTrace tees a copy of every negotiation frame sent or
// received on any substream into w, similar to the tee(1) command. Frames are
// raw: length prefix followed by the JSON protocol list. Intended for
// debugging; w must be safe for concurrent writes.
func (b *Builder) WithNegotiationTrace(w io.Writer) *Builder {
	b.trace = w
	return b
}

// AddTransport registers t under its own SupportedProtocolsForDialing key. It
// returns a *DuplicateTransportError if that key is already taken.
func (b *Builder) AddTransport(t Transport) error {
	key := t.SupportedProtocolsForDialing()
	if _, exists := b.transports[key]; exists {
		return &DuplicateTransportError{Key: key}
	}
	b.transports[key] = t
	return nil
}

// Build finalizes the Node and starts its background event pumps. ctx bounds
// the lifetime of every task the Node and its PeerManager spawn.
func (b *Builder) Build(ctx context.Context) *Node {
	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}
	connIDs := &id.ConnectionPool{}
	pm := NewPeerManager(ctx, connIDs, b.protocol, logger)
	pm.trace = b.trace

	eg, egCtx := errgroup.WithContext(pm.ctx)
	n := &Node{
		peerID:          b.peerID,
		transports:      b.transports,
		peerManager:     pm,
		connIDs:         connIDs,
		logger:          logger,
		group:           eg,
		peerEvents:      make(chan PeerEvent, DefaultChannelCapacity),
		transportEvents: make(chan taggedTransportEvent, DefaultChannelCapacity),
	}

	// The background pumps (one per transport, plus the peer manager pump) are
	// a fixed set known at Build time, so errgroup.Group supervises them the
	// same way the teacher supervises a fixed set of concurrent stream
	// operations: any pump returning a non-nil error cancels egCtx, which in
	// turn unblocks every sibling pump's next select.
	eg.Go(func() error { n.pumpPeerManager(egCtx); return nil })
	for key, t := range b.transports {
		key, t := key, t
		eg.Go(func() error { n.pumpTransport(egCtx, key, t); return nil })
	}
	return n
}

// Wait blocks until every background pump this Node owns has returned, which
// happens once the context passed to Build is canceled or Close is called.
// It always returns nil: pump failures are reported as NodeEvents, not
// propagated as a Wait error.
func (n *Node) Wait() error { return n.group.Wait() }

type taggedTransportEvent struct {
	key TransportKey
	ev  TransportEvent
}

// Node is the top-level façade: it owns a peer identity, a table of
// transports, and the PeerManager that tracks every connection's lifecycle.
type Node struct {
	peerID     PeerID
	transports map[TransportKey]Transport

	peerManager *PeerManager
	connIDs     *id.ConnectionPool
	logger      *log.Logger
	group       *errgroup.Group

	peerEvents      chan PeerEvent
	transportEvents chan taggedTransportEvent

	pending []NodeEvent
}

// PeerID returns the Node's own identity.
func (n *Node) PeerID() PeerID { return n.peerID }

// Dial starts dialing addr. It returns the connection's id immediately; the
// dial's outcome is reported later through PollNext as either
// NodeConnectionEstablished or NodeDialFailure.
func (n *Node) Dial(ctx context.Context, addr Multiaddr) (id.Connection, error) {
	key, ok := addr.TransportKey()
	if !ok {
		return 0, &NoProtocolsInMultiaddrError{Addr: addr}
	}
	t, ok := n.transports[key]
	if !ok {
		return 0, &TransportNotFoundError{Key: key}
	}
	upgrade, err := t.Dial(ctx, addr)
	if err != nil {
		return 0, &DialError{Addr: addr, Err: err}
	}
	connID := n.connIDs.Next()
	n.peerManager.AddOutgoing(upgrade, connID, addr)
	return connID, nil
}

// Listen starts listening on addr. New listen addresses, incoming
// connections, and listener lifecycle events are reported through PollNext.
func (n *Node) Listen(addr Multiaddr) error {
	key, ok := addr.TransportKey()
	if !ok {
		return &NoProtocolsInMultiaddrError{Addr: addr}
	}
	t, ok := n.transports[key]
	if !ok {
		return &TransportNotFoundError{Key: key}
	}
	return t.ListenOn(addr)
}

// Send forwards a protocol-defined value to the handler for (peer, connID).
// It reports false if no such established connection exists.
func (n *Node) Send(ctx context.Context, peer PeerID, connID id.Connection, event interface{}) bool {
	return n.peerManager.Send(ctx, peer, connID, event)
}

// CloseConnection requests graceful shutdown of one established connection.
func (n *Node) CloseConnection(ctx context.Context, peer PeerID, connID id.Connection) bool {
	return n.peerManager.CloseConnection(ctx, peer, connID)
}

// Close tears down every connection and background task the Node owns.
func (n *Node) Close() { n.peerManager.Close() }

func (n *Node) pumpPeerManager(ctx context.Context) {
	for {
		ev, err := n.peerManager.Poll(ctx)
		if err != nil {
			return
		}
		select {
		case n.peerEvents <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) pumpTransport(ctx context.Context, key TransportKey, t Transport) {
	for {
		ev, err := t.Poll(ctx)
		if err != nil {
			return
		}
		select {
		case n.transportEvents <- taggedTransportEvent{key: key, ev: ev}:
		case <-ctx.Done():
			return
		}
	}
}

// PollNext returns the Node's next event. Ordering is deterministic:
// locally queued events first, then peer manager events, then transport
// events, re-looping until something is actually ready to report (some
// incoming transport/peer events are absorbed internally, e.g. to register a
// new pending connection, and do not themselves produce a NodeEvent).
func (n *Node) PollNext(ctx context.Context) (NodeEvent, error) {
	for {
		if len(n.pending) > 0 {
			ev := n.pending[0]
			n.pending = n.pending[1:]
			return ev, nil
		}

		select {
		case pev := <-n.peerEvents:
			if ev, ok := n.handlePeerEvent(pev); ok {
				return ev, nil
			}
			continue
		default:
		}

		select {
		case tev := <-n.transportEvents:
			if ev, ok := n.handleTransportEvent(tev); ok {
				return ev, nil
			}
			continue
		default:
		}

		select {
		case pev := <-n.peerEvents:
			if ev, ok := n.handlePeerEvent(pev); ok {
				return ev, nil
			}
		case tev := <-n.transportEvents:
			if ev, ok := n.handleTransportEvent(tev); ok {
				return ev, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (n *Node) handlePeerEvent(pev PeerEvent) (NodeEvent, bool) {
	switch e := pev.(type) {
	case ConnectionEstablished:
		return NodeConnectionEstablished{ConnectionID: e.ConnectionID, PeerID: e.PeerID}, true
	case ConnectionClosed:
		return NodeConnectionClosed{ConnectionID: e.ConnectionID, Err: e.Err}, true
	case PendingOutboundConnectionError:
		return NodeDialFailure{ConnectionID: e.ConnectionID, Err: e.Err}, true
	case PendingInboundConnectionError:
		return NodeIncomingConnectionError{ConnectionID: e.ConnectionID, Err: e.Err}, true
	case ConnectionNotify:
		return NodeProtocolNotification{ConnectionID: e.ConnectionID, Event: e.Event}, true
	default:
		return nil, false
	}
}

func (n *Node) handleTransportEvent(tev taggedTransportEvent) (NodeEvent, bool) {
	switch e := tev.ev.(type) {
	case Incoming:
		connID := n.connIDs.Next()
		n.peerManager.AddIncoming(e.Upgrade, connID, e.LocalAddr, e.RemoteAddr)
		return NodeIncomingConnection{ConnectionID: connID, RemoteAddress: e.RemoteAddr}, true
	case ListenAddress:
		return NodeNewListenAddr{Address: e.Address}, true
	case AddressExpired:
		return NodeAddressExpired{Address: e.Address}, true
	case ListenerClosed:
		return NodeListenerClosed{Reason: e.Reason}, true
	case ListenerError:
		return NodeListenerError{Err: e.Err}, true
	case PeerAddressChanged:
		n.peerManager.NotifyAddressChange(e.PeerID, e.NewAddr)
		return nil, false
	default:
		return nil, false
	}
}
