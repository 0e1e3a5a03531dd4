package memnet

import (
	"context"
	"io"
	"testing"
	"time"

	network "github.com/1sixtech/rs-mojave-network"
)

func TestDialAcceptAndExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	listener := NewTransport()
	dialer := NewTransport()

	addr := Addr("a")
	if err := listener.ListenOn(addr); err != nil {
		t.Fatalf("ListenOn: %v", err)
	}
	if ev, err := listener.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	} else if _, ok := ev.(network.ListenAddress); !ok {
		t.Fatalf("expected ListenAddress, got %T", ev)
	}

	upgrade, err := dialer.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	type result struct {
		peer  network.PeerID
		muxer network.Muxer
		err   error
	}
	dialerDone := make(chan result, 1)
	go func() {
		peer, muxer, err := upgrade(ctx)
		dialerDone <- result{peer, muxer, err}
	}()

	ev, err := listener.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	incoming, ok := ev.(network.Incoming)
	if !ok {
		t.Fatalf("expected Incoming, got %T", ev)
	}
	listenerPeer, listenerMuxer, err := incoming.Upgrade(ctx)
	if err != nil {
		t.Fatalf("listener upgrade: %v", err)
	}
	if listenerPeer != dialer.PeerID() {
		t.Errorf("listener sees peer %s, want %s", listenerPeer, dialer.PeerID())
	}

	r := <-dialerDone
	if r.err != nil {
		t.Fatalf("dialer upgrade: %v", r.err)
	}
	if r.peer != listener.PeerID() {
		t.Errorf("dialer sees peer %s, want %s", r.peer, listener.PeerID())
	}

	dialerMuxer := r.muxer

	s, err := dialerMuxer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	go func() {
		s.Write([]byte("ping"))
	}()

	accepted, err := listenerMuxer.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(accepted, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want %q", buf, "ping")
	}
}

func TestDialUnknownAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dialer := NewTransport()
	_, err := dialer.Dial(ctx, Addr("nowhere"))
	if err == nil {
		t.Fatal("expected an error dialing an unregistered address")
	}
}
