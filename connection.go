package network

import (
	"sync"
	"time"

	"github.com/1sixtech/rs-mojave-network/id"
)

// ConnectionOrigin records whether a connection was dialed by us or accepted
// from a listener, and the addresses involved.
type ConnectionOrigin interface{ connectionOrigin() }

// DialerOrigin tags a connection we initiated.
type DialerOrigin struct {
	RemoteAddr Multiaddr
}

func (DialerOrigin) connectionOrigin() {}

// ListenerOrigin tags a connection a transport accepted on our behalf.
type ListenerOrigin struct {
	LocalAddr  Multiaddr
	RemoteAddr Multiaddr
}

func (ListenerOrigin) connectionOrigin() {}

// PendingPeer is bookkeeping for a connection still being upgraded: it is not
// yet authenticated and has no PeerID.
type PendingPeer struct {
	Origin    ConnectionOrigin
	EnteredAt time.Time

	abortOnce sync.Once
	abort     chan struct{}
}

func newPendingPeer(origin ConnectionOrigin) *PendingPeer {
	return &PendingPeer{
		Origin:    origin,
		EnteredAt: time.Now(),
		abort:     make(chan struct{}),
	}
}

// Abort cancels the pending upgrade. Calling it more than once is safe; only
// the first call has an effect.
func (p *PendingPeer) Abort() {
	p.abortOnce.Do(func() { close(p.abort) })
}

// EstablishedConnection is bookkeeping for an authenticated, muxed connection:
// its origin and a bounded command channel to the driver task that owns it.
type EstablishedConnection struct {
	Origin ConnectionOrigin

	commands chan<- driverCommand
}

// driverCommand is sent from the peer manager (on behalf of the node) into a
// connection driver's inbox.
type driverCommand interface{ driverCommand() }

// notifyProtocolCommand forwards a protocol-defined value to the handler.
type notifyProtocolCommand struct{ Event interface{} }

func (notifyProtocolCommand) driverCommand() {}

// connectionEventCommand forwards a ConnectionEvent sourced from outside the
// driver's own goroutine (currently only AddressChange, reported by a
// Transport and routed here by the peer manager) to the handler.
type connectionEventCommand struct{ Event ConnectionEvent }

func (connectionEventCommand) driverCommand() {}

// closeCommand begins graceful shutdown of the connection.
type closeCommand struct{}

func (closeCommand) driverCommand() {}

// driverEvent is emitted by a connection driver task toward the peer manager.
type driverEvent interface{ driverEvent() }

// connectionNotify carries a handler's NotifyProtocol event up to the node.
type connectionNotify struct {
	ConnectionID id.Connection
	Event        interface{}
}

func (connectionNotify) driverEvent() {}

// connectionClosed reports that a driver finished tearing down its
// connection, with the first error it recorded, if any.
type connectionClosed struct {
	ConnectionID id.Connection
	Err          error
}

func (connectionClosed) driverEvent() {}
