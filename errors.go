package network

import (
	"fmt"

	"github.com/1sixtech/rs-mojave-network/id"
)

// DuplicateTransportError is returned by Builder.AddTransport when a
// transport is registered under a TransportKey that already has one.
type DuplicateTransportError struct {
	Key TransportKey
}

// Error satisfies the error interface.
func (e *DuplicateTransportError) Error() string {
	return fmt.Sprintf("network: duplicate transport registered for %q", e.Key)
}

// NoProtocolsInMultiaddrError is returned by Node.Dial when addr carries no
// recognizable transport-selection component.
type NoProtocolsInMultiaddrError struct {
	Addr Multiaddr
}

// Error satisfies the error interface.
func (e *NoProtocolsInMultiaddrError) Error() string {
	return fmt.Sprintf("network: no protocols in multiaddr %s", e.Addr)
}

// TransportNotFoundError is returned by Node.Dial when addr's transport key
// does not match any transport registered with the Node.
type TransportNotFoundError struct {
	Key TransportKey
}

// Error satisfies the error interface.
func (e *TransportNotFoundError) Error() string {
	return fmt.Sprintf("network: no transport registered for %q", e.Key)
}

// DialError wraps a TransportError encountered while starting a dial.
type DialError struct {
	Addr Multiaddr
	Err  error
}

// Error satisfies the error interface.
func (e *DialError) Error() string {
	return fmt.Sprintf("network: dial %s: %s", e.Addr, e.Err)
}

// Unwrap exposes the wrapped TransportError.
func (e *DialError) Unwrap() error { return e.Err }

// PendingError is the failure reported for a pending (not yet established)
// connection. Direction distinguishes a failed dial from a failed inbound
// upgrade; Aborted is set instead of Err when the pending entry's abort
// notifier fired before the upgrade completed.
type PendingError struct {
	Outbound bool
	Aborted  bool
	Err      error
}

// Error satisfies the error interface.
func (e *PendingError) Error() string {
	dir := "inbound"
	if e.Outbound {
		dir = "outbound"
	}
	if e.Aborted {
		return fmt.Sprintf("network: %s connection aborted", dir)
	}
	return fmt.Sprintf("network: %s connection failed: %s", dir, e.Err)
}

// Unwrap exposes the wrapped transport cause, if any.
func (e *PendingError) Unwrap() error { return e.Err }

// AbortedPendingError builds a PendingError reporting cancellation via the
// pending entry's abort notifier.
func AbortedPendingError(outbound bool) *PendingError {
	return &PendingError{Outbound: outbound, Aborted: true}
}

// TransportPendingError wraps a transport-layer failure encountered while
// upgrading a pending connection.
func TransportPendingError(outbound bool, err error) *PendingError {
	return &PendingError{Outbound: outbound, Err: err}
}

// ConnectionError is the error recorded for an established connection when
// its driver reports a fatal failure: either a muxer/IO failure or one
// surfaced from the protocol handler. The first error a driver observes wins;
// see the driver's scheduling loop.
type ConnectionError struct {
	ConnectionID id.Connection
	Err          error
}

// Error satisfies the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("network: connection %s: %s", e.ConnectionID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }
