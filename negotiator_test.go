package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/1sixtech/rs-mojave-network/protocol"
)

var (
	protoA = protocol.MustParse("rs-mojave/a@1.0.0")
	protoB = protocol.MustParse("rs-mojave/b@1.0.0")
	protoC = protocol.MustParse("rs-mojave/c@1.0.0")
)

func TestNegotiateOverlapInitiatorPreference(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The initiator lists b before a; the responder lists them in the
	// opposite order. Both sides must select b: the initiator's order wins.
	type result struct {
		proto protocol.StreamProtocol
		err   error
	}
	outDone := make(chan result, 1)
	inDone := make(chan result, 1)
	go func() {
		p, err := negotiateOutbound(ctx, client, []protocol.StreamProtocol{protoB, protoA})
		outDone <- result{proto: p, err: err}
	}()
	go func() {
		p, err := negotiateInbound(ctx, server, []protocol.StreamProtocol{protoA, protoB})
		inDone <- result{proto: p, err: err}
	}()

	out, in := <-outDone, <-inDone
	if out.err != nil {
		t.Fatalf("outbound negotiate: %v", out.err)
	}
	if in.err != nil {
		t.Fatalf("inbound negotiate: %v", in.err)
	}
	if !out.proto.Equal(protoB) {
		t.Errorf("initiator selected %v, want %v (initiator's first listed overlap)", out.proto, protoB)
	}
	if !in.proto.Equal(protoB) {
		t.Errorf("responder selected %v, want %v (must match the initiator's preference)", in.proto, protoB)
	}
}

func TestNegotiateNoOverlapFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := negotiateOutbound(ctx, client, []protocol.StreamProtocol{protoA})
		errs <- err
	}()
	go func() {
		_, err := negotiateInbound(ctx, server, []protocol.StreamProtocol{protoC})
		errs <- err
	}()

	outErr, inErr := <-errs, <-errs
	if !IsNegotiationFailed(outErr) && !IsNegotiationFailed(inErr) {
		t.Fatalf("expected at least one side to report NegotiationFailed, got %v / %v", outErr, inErr)
	}
}

func TestNegotiateTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// The responder reads only the 4-byte length prefix and never replies.
	// net.Pipe is synchronous, so the outbound side's payload write blocks
	// forever and the handshake never completes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		buf := make([]byte, 4)
		server.Read(buf) //nolint:errcheck // drain the length prefix only, never reply
	}()

	_, err := negotiateOutbound(ctx, client, []protocol.StreamProtocol{protoA})
	if !IsTimeout(err) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestSelectProtocolEmptyIntersection(t *testing.T) {
	if _, ok := selectProtocol([]protocol.StreamProtocol{protoA}, []protocol.StreamProtocol{protoB}); ok {
		t.Fatal("expected no selection for disjoint protocol lists")
	}
}
