// Package memnet is an in-memory network.Transport used by tests and the
// ping package's example: dialing a registered listen address hands both sides a
// network.Muxer backed by net.Pipe, with no real sockets involved.
package memnet

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	network "github.com/1sixtech/rs-mojave-network"
)

// Key is the TransportKey every memnet Transport registers under.
const Key network.TransportKey = "memory"

// Addr builds the Multiaddr for the in-memory listener named name.
func Addr(name string) network.Multiaddr {
	return network.NewMultiaddr(string(Key), name)
}

type registry struct {
	mu     sync.Mutex
	byAddr map[string]*Transport
}

func (r *registry) register(key string, t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[key] = t
}

func (r *registry) lookup(key string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byAddr[key]
	return t, ok
}

var defaultRegistry = &registry{byAddr: make(map[string]*Transport)}

// Transport is a network.Transport that connects only to other memnet
// Transports registered in the same process.
type Transport struct {
	peerID network.PeerID

	events chan network.TransportEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewTransport builds a Transport with a fresh, random PeerID.
func NewTransport() *Transport {
	return &Transport{
		peerID: network.PeerID(uuid.NewString()),
		events: make(chan network.TransportEvent, network.DefaultChannelCapacity),
		done:   make(chan struct{}),
	}
}

// PeerID returns the identity this transport presents to remote peers on
// upgrade.
func (t *Transport) PeerID() network.PeerID { return t.peerID }

// SupportedProtocolsForDialing reports Key.
func (t *Transport) SupportedProtocolsForDialing() network.TransportKey { return Key }

// ListenOn registers addr in the process-wide memnet registry and reports it
// through Poll as a ListenAddress event.
func (t *Transport) ListenOn(addr network.Multiaddr) error {
	if key, ok := addr.TransportKey(); !ok || key != Key {
		return network.MultiaddrNotSupportedError(addr)
	}
	defaultRegistry.register(addr.String(), t)
	select {
	case t.events <- network.ListenAddress{Address: addr}:
	case <-t.done:
	}
	return nil
}

// Dial looks addr up in the registry and, if a listener is registered there,
// returns an Upgrade that creates a fresh muxer pair and delivers an Incoming
// event to that listener.
func (t *Transport) Dial(ctx context.Context, addr network.Multiaddr) (network.Upgrade, error) {
	if key, ok := addr.TransportKey(); !ok || key != Key {
		return nil, network.MultiaddrNotSupportedError(addr)
	}
	target, ok := defaultRegistry.lookup(addr.String())
	if !ok {
		return nil, network.OtherTransportError(fmt.Errorf("memnet: no listener registered at %s", addr))
	}

	dialerAddr := Addr(fmt.Sprintf("dialer-%s", t.peerID))

	upgrade := func(ctx context.Context) (network.PeerID, network.Muxer, error) {
		dialerSide, listenerSide := newMuxerPair()
		incoming := network.Incoming{
			RemoteAddr: dialerAddr,
			LocalAddr:  addr,
			Upgrade: func(ctx context.Context) (network.PeerID, network.Muxer, error) {
				return t.peerID, listenerSide, nil
			},
		}
		select {
		case target.events <- incoming:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-target.done:
			return "", nil, fmt.Errorf("memnet: listener at %s is closed", addr)
		}
		return target.peerID, dialerSide, nil
	}
	return upgrade, nil
}

// Poll blocks until the next TransportEvent this transport has queued.
func (t *Transport) Poll(ctx context.Context) (network.TransportEvent, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the transport down; Poll then returns io.EOF and any pending
// dial attempts targeting it fail.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}
