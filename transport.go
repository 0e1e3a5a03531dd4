package network

import (
	"context"
	"fmt"
	"io"
)

// PeerID is the opaque identity of a remote peer, supplied by a Transport
// after it authenticates the remote side (for example, derived from the
// remote's public key). The core never inspects a PeerID's structure.
type PeerID string

// String satisfies fmt.Stringer.
func (p PeerID) String() string { return string(p) }

// TransportKey names the transport a Multiaddr should be dialed or listened
// on with, e.g. "webtransport" or "memory".
type TransportKey string

// Multiaddr is a composable network address. The core inspects only its
// leading transport-selection component; everything else is passed through
// opaquely to the Transport that claims it.
type Multiaddr struct {
	raw        string
	components []string
}

// NewMultiaddr builds a Multiaddr from an ordered list of components, the
// first of which is used as the transport-selection key.
func NewMultiaddr(components ...string) Multiaddr {
	raw := ""
	for _, c := range components {
		raw += "/" + c
	}
	return Multiaddr{raw: raw, components: components}
}

// String returns the address in its composed textual form.
func (m Multiaddr) String() string { return m.raw }

// TransportKey extracts the transport-selection key from the address's first
// component. ok is false if the address has no components at all.
func (m Multiaddr) TransportKey() (key TransportKey, ok bool) {
	if len(m.components) == 0 {
		return "", false
	}
	return TransportKey(m.components[0]), true
}

// Substream is a single bidirectional byte stream multiplexed within a
// connection. Substreams are owned by exactly one negotiator until
// negotiation completes, then by the ProtocolHandler that accepts them.
type Substream interface {
	io.ReadWriteCloser
}

// Muxer multiplexes substreams over a single established, authenticated
// connection.
type Muxer interface {
	// AcceptStream blocks until a remote-initiated substream arrives or ctx is
	// done.
	AcceptStream(ctx context.Context) (Substream, error)
	// OpenStream opens a new locally-initiated substream.
	OpenStream(ctx context.Context) (Substream, error)
	// Close closes the muxer and every substream it owns. Close blocks until
	// teardown completes.
	Close() error
}

// Upgrade is the async result of a dial or accept: once a Transport finishes
// its handshake it yields the remote PeerID and a Muxer for the new
// connection. Upgrade is invoked by the peer manager's pending-connection
// task, which races it against that pending entry's abort signal.
type Upgrade func(ctx context.Context) (PeerID, Muxer, error)

// TransportError is returned synchronously by Transport methods.
type TransportError struct {
	// Addr is set when the error is MultiaddrNotSupported.
	Addr Multiaddr
	// Err is the wrapped cause when the error is Other.
	Err error

	kind transportErrorKind
}

type transportErrorKind int

const (
	transportErrUnsupportedAddr transportErrorKind = iota
	transportErrOther
)

// MultiaddrNotSupportedError returns a TransportError reporting that addr is
// not one this transport knows how to dial or listen on.
func MultiaddrNotSupportedError(addr Multiaddr) *TransportError {
	return &TransportError{Addr: addr, kind: transportErrUnsupportedAddr}
}

// OtherTransportError wraps an arbitrary transport failure.
func OtherTransportError(err error) *TransportError {
	return &TransportError{Err: err, kind: transportErrOther}
}

// Error satisfies the error interface.
func (e *TransportError) Error() string {
	switch e.kind {
	case transportErrUnsupportedAddr:
		return fmt.Sprintf("transport: multiaddr not supported: %s", e.Addr)
	default:
		return fmt.Sprintf("transport: %s", e.Err)
	}
}

// Unwrap exposes the wrapped cause, if any.
func (e *TransportError) Unwrap() error { return e.Err }

// IsMultiaddrNotSupported reports whether err is a TransportError reporting
// an unrecognized address.
func (e *TransportError) IsMultiaddrNotSupported() bool {
	return e.kind == transportErrUnsupportedAddr
}

// TransportEvent is produced by Transport.Poll.
type TransportEvent interface{ transportEvent() }

// Incoming reports a newly accepted, not-yet-upgraded connection.
type Incoming struct {
	RemoteAddr Multiaddr
	LocalAddr  Multiaddr
	Upgrade    Upgrade
}

func (Incoming) transportEvent() {}

// ListenAddress reports a new local address the transport is listening on.
type ListenAddress struct{ Address Multiaddr }

func (ListenAddress) transportEvent() {}

// AddressExpired reports that a previously reported listen address is no
// longer valid.
type AddressExpired struct{ Address Multiaddr }

func (AddressExpired) transportEvent() {}

// ListenerClosed reports that a listener shut down, with an optional reason.
type ListenerClosed struct{ Reason error }

func (ListenerClosed) transportEvent() {}

// ListenerError reports a non-fatal listener error.
type ListenerError struct{ Err error }

func (ListenerError) transportEvent() {}

// PeerAddressChanged reports that a transport observed a new remote address
// for an already-established peer (e.g. a connection migration). The core
// forwards this as an AddressChange ConnectionEvent to every established
// connection it currently holds open with that peer; it never synthesizes
// this event on its own.
type PeerAddressChanged struct {
	PeerID  PeerID
	NewAddr Multiaddr
}

func (PeerAddressChanged) transportEvent() {}

// Transport is the interface the core requires of any concrete network
// transport (e.g. WebTransport/QUIC). Transports are opaque providers of dial
// and listen operations that eventually yield a (PeerID, Muxer) upgrade; the
// core never looks inside them beyond this interface.
type Transport interface {
	// SupportedProtocolsForDialing returns the TransportKey this transport
	// registers under in a Node's transport table.
	SupportedProtocolsForDialing() TransportKey

	// ListenOn starts listening on addr. Resulting accepted connections and
	// listener lifecycle events are reported through Poll.
	ListenOn(addr Multiaddr) error

	// Dial begins dialing addr. It returns quickly with an Upgrade to be
	// invoked asynchronously by the caller, or a TransportError if addr is
	// malformed or immediately known to be undialable.
	Dial(ctx context.Context, addr Multiaddr) (Upgrade, error)

	// Poll blocks until the next TransportEvent is available or ctx is done.
	Poll(ctx context.Context) (TransportEvent, error)
}
