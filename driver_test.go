package network

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1sixtech/rs-mojave-network/id"
	"github.com/1sixtech/rs-mojave-network/protocol"
)

// pipeMuxer is a minimal Muxer for driver tests: the test feeds inbound
// substreams directly into its accept queue.
type pipeMuxer struct {
	incoming chan Substream

	closeOnce sync.Once
	done      chan struct{}
}

func newPipeMuxer() *pipeMuxer {
	return &pipeMuxer{
		incoming: make(chan Substream),
		done:     make(chan struct{}),
	}
}

func (m *pipeMuxer) AcceptStream(ctx context.Context) (Substream, error) {
	select {
	case s := <-m.incoming:
		return s, nil
	case <-m.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *pipeMuxer) OpenStream(ctx context.Context) (Substream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *pipeMuxer) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// recordingHandler forwards every ConnectionEvent to the test and emits
// whatever HandlerEvents the test queues.
type recordingHandler struct {
	protos []protocol.StreamProtocol
	events chan ConnectionEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newRecordingHandler(protos ...protocol.StreamProtocol) *recordingHandler {
	return &recordingHandler{
		protos: protos,
		events: make(chan ConnectionEvent, DefaultChannelCapacity),
		closed: make(chan struct{}),
	}
}

func (h *recordingHandler) ProtocolInfo() []protocol.StreamProtocol { return h.protos }
func (h *recordingHandler) HandleConnectionEvent(ev ConnectionEvent) {
	h.events <- ev
}
func (h *recordingHandler) HandleProtocolEvent(interface{}) {}
func (h *recordingHandler) Poll(ctx context.Context) (HandlerEvent, bool) {
	select {
	case <-h.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}
func (h *recordingHandler) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

func startDriver(t *testing.T, ctx context.Context, h ProtocolHandler, trace io.Writer) (*pipeMuxer, chan driverCommand, chan driverEvent, *id.StreamPool) {
	t.Helper()
	mux := newPipeMuxer()
	commands := make(chan driverCommand, DefaultChannelCapacity)
	events := make(chan driverEvent, DefaultChannelCapacity)
	streamIDs := id.NewStreamPool()
	d := newConnDriver(id.Connection(0), mux, h, streamIDs, commands, events, log.Default(), trace)
	go d.run(ctx)
	return mux, commands, events, streamIDs
}

// TestDriverInboundNegotiationDeliversStream feeds the driver one inbound
// substream, runs the initiator side of the handshake from the test, and
// confirms the handler receives a NewInboundStream carrying the negotiated
// protocol and a tracked stream id — with a copy of the handshake frames
// tee'd into the trace writer.
func TestDriverInboundNegotiationDeliversStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var trace bytes.Buffer
	h := newRecordingHandler(protoA)
	mux, commands, events, _ := startDriver(t, ctx, h, &trace)

	local, remote := net.Pipe()
	defer remote.Close()
	select {
	case mux.incoming <- local:
	case <-ctx.Done():
		t.Fatal("driver never accepted the inbound substream")
	}
	go negotiateOutbound(ctx, remote, []protocol.StreamProtocol{protoA}) //nolint:errcheck

	select {
	case ev := <-h.events:
		in, ok := ev.(NewInboundStream)
		if !ok {
			t.Fatalf("expected NewInboundStream, got %T", ev)
		}
		if !in.Protocol.Equal(protoA) {
			t.Errorf("negotiated %v, want %v", in.Protocol, protoA)
		}
		if _, ok := in.Stream.(*trackedStream); !ok {
			t.Errorf("expected a tracked stream, got %T", in.Stream)
		}
	case <-ctx.Done():
		t.Fatal("context expired before the handler saw the stream")
	}

	if !bytes.Contains(trace.Bytes(), []byte(protoA.String())) {
		t.Errorf("trace writer did not capture the handshake frames: %q", trace.Bytes())
	}

	commands <- closeCommand{}
	select {
	case ev := <-events:
		if _, ok := ev.(connectionClosed); !ok {
			t.Fatalf("expected connectionClosed, got %T", ev)
		}
	case <-ctx.Done():
		t.Fatal("context expired before the driver reported closure")
	}
}

// TestDriverNegotiationFailureReleasesStreamID runs an inbound negotiation
// with no protocol overlap and confirms the handler sees FailNegotiation, the
// failed substream is closed, and its id goes back to the pool for reuse.
func TestDriverNegotiationFailureReleasesStreamID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := newRecordingHandler(protoA)
	mux, _, _, streamIDs := startDriver(t, ctx, h, nil)

	local, remote := net.Pipe()
	defer remote.Close()
	select {
	case mux.incoming <- local:
	case <-ctx.Done():
		t.Fatal("driver never accepted the inbound substream")
	}
	go negotiateOutbound(ctx, remote, []protocol.StreamProtocol{protoC}) //nolint:errcheck

	select {
	case ev := <-h.events:
		fail, ok := ev.(FailNegotiation)
		if !ok {
			t.Fatalf("expected FailNegotiation, got %T", ev)
		}
		if !IsNegotiationFailed(fail.Err) {
			t.Errorf("expected NegotiationFailed, got %v", fail.Err)
		}
	case <-ctx.Done():
		t.Fatal("context expired before the handler saw the failure")
	}

	// The failed stream's id was released before the handler was told, so the
	// very next allocation must reuse it.
	if next := streamIDs.Next(); next != id.Stream(0) {
		t.Errorf("expected the released stream id to be reused, got %v", next)
	}
}
