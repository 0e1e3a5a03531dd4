package network

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/1sixtech/rs-mojave-network/id"
	"github.com/1sixtech/rs-mojave-network/protocol"
)

// DefaultChannelCapacity is the default bound on the command/event channels
// between a connection driver and the peer manager. A slow consumer blocks
// producers rather than dropping events.
const DefaultChannelCapacity = 16

// negOutcome is the result of one negotiator goroutine, reported back to the
// driver's single select loop.
type negOutcome struct {
	outbound bool
	stream   *trackedStream
	proto    protocol.StreamProtocol
	err      error
}

// trackedStream couples a substream with the id.Stream naming it for the
// lifetime of the connection. Closing it returns the id to the owning pool
// exactly once, no matter how many times Close is called.
type trackedStream struct {
	Substream
	id   id.Stream
	pool *id.StreamPool

	releaseOnce sync.Once
}

// StreamID returns the id naming this substream.
func (s *trackedStream) StreamID() id.Stream { return s.id }

// Close closes the underlying substream and releases the id.
func (s *trackedStream) Close() error {
	err := s.Substream.Close()
	s.releaseOnce.Do(func() { s.pool.Release(s.id) })
	return err
}

// connDriver is the task pumping one established connection. It owns the
// muxer, the handler, the command inbox, the event outbox, and the set of
// in-flight negotiator goroutines for substreams that have not yet completed
// negotiation.
type connDriver struct {
	connID    id.Connection
	muxer     Muxer
	handler   ProtocolHandler
	streamIDs *id.StreamPool
	logger    *log.Logger
	trace     io.Writer

	commands <-chan driverCommand
	events   chan<- driverEvent

	negDone chan negOutcome

	closeOnce sync.Once
	closing   chan struct{}
}

func newConnDriver(connID id.Connection, muxer Muxer, handler ProtocolHandler, streamIDs *id.StreamPool, commands <-chan driverCommand, events chan<- driverEvent, logger *log.Logger, trace io.Writer) *connDriver {
	if logger == nil {
		logger = log.Default()
	}
	if streamIDs == nil {
		streamIDs = id.NewStreamPool()
	}
	return &connDriver{
		connID:    connID,
		muxer:     muxer,
		handler:   handler,
		streamIDs: streamIDs,
		logger:    logger,
		trace:     trace,
		commands:  commands,
		events:    events,
		negDone:   make(chan negOutcome, DefaultChannelCapacity),
		closing:   make(chan struct{}),
	}
}

// track names s with a fresh id.Stream from the connection's pool.
func (d *connDriver) track(s Substream) *trackedStream {
	return &trackedStream{Substream: s, id: d.streamIDs.Next(), pool: d.streamIDs}
}

// run is the driver's scheduling loop. It returns once the connection has
// been fully torn down, after emitting a final connectionClosed event.
func (d *connDriver) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	handlerEvents := make(chan HandlerEvent)
	handlerDone := make(chan struct{})
	go d.pumpHandler(ctx, handlerEvents, handlerDone)

	inbound := make(chan Substream)
	inboundDone := make(chan struct{})
	go d.pumpInbound(ctx, inbound, inboundDone)

loop:
	for {
		select {
		case <-d.closing:
			break loop
		case <-ctx.Done():
			break loop
		case cmd, ok := <-d.commands:
			if !ok {
				break loop
			}
			switch c := cmd.(type) {
			case notifyProtocolCommand:
				d.handler.HandleProtocolEvent(c.Event)
			case connectionEventCommand:
				d.handler.HandleConnectionEvent(c.Event)
			case closeCommand:
				break loop
			}
		case s := <-inbound:
			go d.negotiateInbound(ctx, d.track(s))
		case r := <-d.negDone:
			d.deliverNegotiation(r, recordErr)
		case ev, ok := <-handlerEvents:
			if !ok {
				continue
			}
			d.handleHandlerEvent(ctx, ev)
		}
	}

	cancel()
	<-inboundDone

	d.drainHandlerClose()

	if err := d.muxer.Close(); err != nil {
		recordErr(err)
	}
	<-handlerDone

	var closeErr error
	if firstErr != nil {
		closeErr = &ConnectionError{ConnectionID: d.connID, Err: firstErr}
	}
	d.events <- connectionClosed{ConnectionID: d.connID, Err: closeErr}
}

// Close requests graceful shutdown from outside the driver's own goroutine,
// without going through the command channel.
func (d *connDriver) Close() {
	d.closeOnce.Do(func() { close(d.closing) })
}

// pumpHandler repeatedly calls handler.Poll and forwards each event; Poll is
// a blocking call here rather than a waker-driven one, so it gets its own
// goroutine.
func (d *connDriver) pumpHandler(ctx context.Context, out chan<- HandlerEvent, done chan<- struct{}) {
	defer close(done)
	for {
		ev, ok := d.handler.Poll(ctx)
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// pumpInbound repeatedly accepts substreams from the muxer and forwards them
// for negotiation.
func (d *connDriver) pumpInbound(ctx context.Context, out chan<- Substream, done chan<- struct{}) {
	defer close(done)
	for {
		s, err := d.muxer.AcceptStream(ctx)
		if err != nil {
			return
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

func (d *connDriver) negotiateInbound(ctx context.Context, s *trackedStream) {
	nctx, cancel := context.WithTimeout(ctx, DefaultNegotiationTimeout)
	defer cancel()
	proto, err := negotiateInbound(nctx, traceStream(s, d.trace), d.handler.ProtocolInfo())
	select {
	case d.negDone <- negOutcome{outbound: false, stream: s, proto: proto, err: err}:
	case <-ctx.Done():
		s.Close()
	}
}

func (d *connDriver) negotiateOutbound(ctx context.Context, s *trackedStream) {
	nctx, cancel := context.WithTimeout(ctx, DefaultNegotiationTimeout)
	defer cancel()
	proto, err := negotiateOutbound(nctx, traceStream(s, d.trace), d.handler.ProtocolInfo())
	select {
	case d.negDone <- negOutcome{outbound: true, stream: s, proto: proto, err: err}:
	case <-ctx.Done():
		s.Close()
	}
}

func (d *connDriver) deliverNegotiation(r negOutcome, recordErr func(error)) {
	if r.err != nil {
		r.stream.Close()
		d.logger.Printf("connection %s: negotiation on %s failed: %v", d.connID, r.stream.StreamID(), r.err)
		d.handler.HandleConnectionEvent(FailNegotiation{Err: r.err})
		if !IsNegotiationFailed(r.err) && !IsTimeout(r.err) {
			recordErr(r.err)
		}
		return
	}
	if r.outbound {
		d.handler.HandleConnectionEvent(NewOutboundStream{Stream: r.stream, Protocol: r.proto})
	} else {
		d.handler.HandleConnectionEvent(NewInboundStream{Stream: r.stream, Protocol: r.proto})
	}
}

func (d *connDriver) handleHandlerEvent(ctx context.Context, ev HandlerEvent) {
	switch e := ev.(type) {
	case OutboundSubstreamRequest:
		s, err := d.muxer.OpenStream(ctx)
		if err != nil {
			d.handler.HandleConnectionEvent(FailNegotiation{Err: err})
			return
		}
		go d.negotiateOutbound(ctx, d.track(s))
	case NotifyProtocol:
		select {
		case d.events <- connectionNotify{ConnectionID: d.connID, Event: e.Event}:
		case <-ctx.Done():
		}
	}
}

// drainHandlerClose runs the close-draining half of graceful shutdown: it
// tells the handler to begin closing, then keeps polling (on a fresh context
// with no deadline, since the run context is already canceled) until the
// handler reports no more residual events.
func (d *connDriver) drainHandlerClose() {
	d.handler.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		ev, ok := d.handler.Poll(ctx)
		if !ok {
			return
		}
		if n, ok := ev.(NotifyProtocol); ok {
			d.events <- connectionNotify{ConnectionID: d.connID, Event: n.Event}
		}
	}
}
