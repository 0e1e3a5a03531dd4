package network

import (
	"context"

	"github.com/1sixtech/rs-mojave-network/protocol"
)

// ConnectionEvent is delivered to a ProtocolHandler's HandleConnectionEvent by
// the connection driver that owns it.
type ConnectionEvent interface{ connectionEvent() }

// NewInboundStream reports that a peer opened a substream and negotiation
// selected one of this handler's advertised protocols.
type NewInboundStream struct {
	Stream   Substream
	Protocol protocol.StreamProtocol
}

func (NewInboundStream) connectionEvent() {}

// NewOutboundStream reports that a substream this handler asked for (via an
// OutboundSubstreamRequest) is ready after successful negotiation.
type NewOutboundStream struct {
	Stream   Substream
	Protocol protocol.StreamProtocol
}

func (NewOutboundStream) connectionEvent() {}

// FailNegotiation reports that a substream failed to negotiate: one this
// handler asked for (including a failure to open it) or one the remote
// opened. If IsNegotiationFailed(Err) is true, the remote does not support
// any protocol this handler advertised; a well-behaved handler reports
// UnsupportedProtocol once and then goes quiet. Any other error is an I/O or
// timeout failure, which the handler may surface and retry (subject to its
// own backoff policy).
type FailNegotiation struct {
	Err error
}

func (FailNegotiation) connectionEvent() {}

// AddressChange reports that the connection's remote address changed. The
// core never synthesizes this itself; only a Transport can report an address
// change, via TransportEvent plumbing the Node forwards verbatim.
type AddressChange struct {
	NewAddr Multiaddr
}

func (AddressChange) connectionEvent() {}

// HandlerEvent is produced by ProtocolHandler.Poll.
type HandlerEvent interface{ handlerEvent() }

// OutboundSubstreamRequest asks the driver to open a new outbound substream
// and negotiate it using the handler's ProtocolInfo list.
type OutboundSubstreamRequest struct{}

func (OutboundSubstreamRequest) handlerEvent() {}

// NotifyProtocol carries a handler-defined value up to the node's event
// stream, by way of the driver's event outbox.
type NotifyProtocol struct {
	Event interface{}
}

func (NotifyProtocol) handlerEvent() {}

// ProtocolHandler is the per-connection state machine for one application
// protocol. The peer manager creates exactly one handler instance per
// connection (via the owning Protocol's factory) at the moment the
// connection is promoted from pending to established, and the handler's
// lifetime is a subset of that connection's lifetime.
//
// The owning driver calls Poll from a goroutine of its own, concurrently with
// its calls to HandleConnectionEvent and HandleProtocolEvent, so
// implementations must be safe for that concurrent use.
type ProtocolHandler interface {
	// ProtocolInfo returns the ordered list of protocols this handler speaks.
	// The order is significant when this side initiates a substream: the
	// negotiator picks the first entry of the initiator's list that the
	// responder also lists, so on an inbound substream the remote's order
	// decides instead.
	ProtocolInfo() []protocol.StreamProtocol

	// HandleConnectionEvent delivers a connection-level event to the handler.
	HandleConnectionEvent(ConnectionEvent)

	// HandleProtocolEvent delivers a command from the owning Protocol, e.g.
	// "send this payload". Handlers that accept no commands may ignore every
	// call.
	HandleProtocolEvent(interface{})

	// Poll blocks until the handler has a HandlerEvent ready to emit or ctx is
	// done, in which case ok is false. The driver calls Poll in a loop for as
	// long as the connection is open.
	Poll(ctx context.Context) (ev HandlerEvent, ok bool)

	// Close begins graceful shutdown. After Close, Poll should stop blocking
	// indefinitely and drain any residual events before finally returning
	// ok=false.
	Close()
}

// Protocol is the contract between the node and a pluggable application
// protocol: it names the handler factory invoked once per connection.
type Protocol interface {
	// NewHandler constructs the per-connection state machine for peer and
	// origin. It is called exactly once, when the connection is promoted to
	// established.
	NewHandler(peer PeerID, origin ConnectionOrigin) ProtocolHandler
}

// ProtocolFunc adapts a plain function to the Protocol interface.
type ProtocolFunc func(peer PeerID, origin ConnectionOrigin) ProtocolHandler

// NewHandler calls f.
func (f ProtocolFunc) NewHandler(peer PeerID, origin ConnectionOrigin) ProtocolHandler {
	return f(peer, origin)
}
