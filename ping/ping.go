// Package ping implements a liveness protocol: an initiator sends 32 random
// bytes over a negotiated substream and the responder echoes them back
// verbatim, so the initiator can measure round-trip time and detect
// unresponsive peers. Both sides keep reusing one substream across rounds;
// a fresh substream is only negotiated at startup or after an error.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	network "github.com/1sixtech/rs-mojave-network"
	"github.com/1sixtech/rs-mojave-network/protocol"
)

// DefaultInterval is how often the initiator starts a new ping round.
const DefaultInterval = 15 * time.Second

// DefaultTimeout bounds one ping round: if the echo has not arrived by then,
// the round is reported as a TimeoutError.
const DefaultTimeout = 20 * time.Second

const payloadSize = 32

// StreamProtocol is the versioned identifier this package negotiates.
var StreamProtocol = protocol.MustParse("rs-mojave/ping@0.0.1")

// errInvalidData reports that the echoed payload did not match what was
// sent.
var errInvalidData = errors.New("ping: echoed payload did not match")

// Event is emitted by NotifyProtocol for every completed (or failed) ping
// round. Exactly one of RTT and Err is meaningful; Err == nil means the round
// succeeded.
type Event struct {
	RTT time.Duration
	Err error
}

// Ok reports whether the round succeeded.
func (e Event) Ok() bool { return e.Err == nil }

// TimeoutError reports that a ping round did not complete within the
// configured timeout.
type TimeoutError struct {
	// DeadlineMS is the configured timeout, in milliseconds.
	DeadlineMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ping: timed out after %dms", e.DeadlineMS)
}

// ErrUnsupportedProtocol is reported exactly once when the remote peer does
// not advertise this protocol; after it, the handler stops requesting new
// ping rounds.
var ErrUnsupportedProtocol = errors.New("ping: remote does not support the ping protocol")

// IOError wraps a transport-level failure observed during a ping round.
type IOError struct{ Err error }

func (e *IOError) Error() string { return fmt.Sprintf("ping: io: %s", e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// OtherError wraps a failure that is neither a timeout, an unsupported
// protocol, nor an I/O error (e.g. the local random source failing).
type OtherError struct{ Err error }

func (e *OtherError) Error() string { return fmt.Sprintf("ping: %s", e.Err) }
func (e *OtherError) Unwrap() error { return e.Err }

// Handler is the per-connection ping state machine: a network.ProtocolHandler
// that requests a new ping round every Interval and reports each round's
// outcome as a NotifyProtocol(Event).
type Handler struct {
	Interval time.Duration
	Timeout  time.Duration

	peer   network.PeerID
	origin network.ConnectionOrigin

	mu          sync.Mutex
	unsupported bool
	requested   bool              // an OutboundSubstreamRequest is outstanding
	inFlight    bool              // a ping round is currently running
	idle        network.Substream // substream kept between rounds

	pending   chan network.HandlerEvent
	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs a Handler for a single connection with default interval and
// timeout. It satisfies network.Protocol's NewHandler signature via
// NewProtocol.
func New(peer network.PeerID, origin network.ConnectionOrigin) *Handler {
	return newHandler(peer, origin, DefaultInterval, DefaultTimeout)
}

func newHandler(peer network.PeerID, origin network.ConnectionOrigin, interval, timeout time.Duration) *Handler {
	h := &Handler{
		Interval: interval,
		Timeout:  timeout,
		peer:     peer,
		origin:   origin,
		pending:  make(chan network.HandlerEvent, network.DefaultChannelCapacity),
		closing:  make(chan struct{}),
	}
	go h.schedule()
	return h
}

// NewProtocol adapts New to network.Protocol so it can be passed to
// network.NewBuilder.
func NewProtocol() network.Protocol {
	return network.ProtocolFunc(func(peer network.PeerID, origin network.ConnectionOrigin) network.ProtocolHandler {
		return New(peer, origin)
	})
}

// ProtocolInfo reports the single protocol this handler speaks.
func (h *Handler) ProtocolInfo() []protocol.StreamProtocol {
	return []protocol.StreamProtocol{StreamProtocol}
}

// HandleConnectionEvent reacts to substream negotiation outcomes.
func (h *Handler) HandleConnectionEvent(ev network.ConnectionEvent) {
	switch e := ev.(type) {
	case network.NewOutboundStream:
		h.mu.Lock()
		h.requested = false
		h.inFlight = true
		h.mu.Unlock()
		go h.runInitiator(e.Stream)
	case network.NewInboundStream:
		go h.runResponder(e.Stream)
	case network.FailNegotiation:
		if network.IsNegotiationFailed(e.Err) {
			h.mu.Lock()
			h.requested = false
			already := h.unsupported
			h.unsupported = true
			h.mu.Unlock()
			if !already {
				h.emit(Event{Err: ErrUnsupportedProtocol})
			}
			return
		}
		h.mu.Lock()
		h.requested = false
		h.mu.Unlock()
		h.emit(Event{Err: &IOError{Err: e.Err}})
	}
}

// HandleProtocolEvent is a no-op: this protocol accepts no externally
// injected commands.
func (h *Handler) HandleProtocolEvent(interface{}) {}

// Poll returns the next queued HandlerEvent: either a request for a new
// outbound substream (when no parked one survived the previous round) or a
// NotifyProtocol carrying a completed round's Event.
func (h *Handler) Poll(ctx context.Context) (network.HandlerEvent, bool) {
	select {
	case ev := <-h.pending:
		return ev, true
	default:
	}
	select {
	case ev := <-h.pending:
		return ev, true
	case <-h.closing:
		select {
		case ev := <-h.pending:
			return ev, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// Close begins graceful shutdown: the scheduler goroutine stops requesting
// new rounds, the parked substream (if any) is closed, and Poll drains any
// already-queued events before reporting ok=false.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.closing)
		h.mu.Lock()
		if h.idle != nil {
			h.idle.Close()
			h.idle = nil
		}
		h.mu.Unlock()
	})
}

func (h *Handler) schedule() {
	h.requestRound()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closing:
			return
		case <-ticker.C:
			h.requestRound()
		}
	}
}

// requestRound starts the next ping round: over the parked substream if one
// survived the previous round, otherwise by asking the driver for a fresh
// one. A tick that lands while a round or a substream request is still in
// flight is skipped.
func (h *Handler) requestRound() {
	h.mu.Lock()
	if h.unsupported || h.requested || h.inFlight {
		h.mu.Unlock()
		return
	}
	if s := h.idle; s != nil {
		h.idle = nil
		h.inFlight = true
		h.mu.Unlock()
		go h.runInitiator(s)
		return
	}
	h.requested = true
	h.mu.Unlock()
	select {
	case h.pending <- network.OutboundSubstreamRequest{}:
	case <-h.closing:
	}
}

func (h *Handler) emit(ev Event) {
	select {
	case h.pending <- network.NotifyProtocol{Event: ev}:
	case <-h.closing:
	}
}

// runInitiator performs one ping round on s. On success the substream is
// parked for the next round; on any failure it is closed and the next round
// negotiates a fresh one.
func (h *Handler) runInitiator(s network.Substream) {
	payload := make([]byte, payloadSize)
	if _, err := rand.Read(payload); err != nil {
		s.Close()
		h.roundDone(nil)
		h.emit(Event{Err: &OtherError{Err: err}})
		return
	}

	type outcome struct {
		rtt time.Duration
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		if _, err := s.Write(payload); err != nil {
			done <- outcome{err: err}
			return
		}
		// Round-trip time is measured from send completion to echo receipt.
		start := time.Now()
		buf := make([]byte, payloadSize)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- outcome{err: err}
			return
		}
		if !bytes.Equal(buf, payload) {
			done <- outcome{err: errInvalidData}
			return
		}
		done <- outcome{rtt: time.Since(start)}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			s.Close()
			h.roundDone(nil)
			h.emit(Event{Err: &IOError{Err: o.err}})
			return
		}
		h.roundDone(s)
		h.emit(Event{RTT: o.rtt})
	case <-time.After(h.Timeout):
		s.Close()
		h.roundDone(nil)
		h.emit(Event{Err: &TimeoutError{DeadlineMS: h.Timeout.Milliseconds()}})
	case <-h.closing:
		s.Close()
	}
}

// roundDone records the end of a round, parking idle for reuse (nil if the
// substream did not survive).
func (h *Handler) roundDone(idle network.Substream) {
	h.mu.Lock()
	h.inFlight = false
	h.idle = idle
	h.mu.Unlock()
}

// runResponder echoes pings on one inbound substream until the initiator
// closes it, serving many rounds from a single substream.
func (h *Handler) runResponder(s network.Substream) {
	defer s.Close()
	buf := make([]byte, payloadSize)
	for {
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		if _, err := s.Write(buf); err != nil {
			return
		}
	}
}
