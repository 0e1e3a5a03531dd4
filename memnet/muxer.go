package memnet

import (
	"context"
	"io"
	"net"
	"sync"

	network "github.com/1sixtech/rs-mojave-network"
)

// muxer multiplexes substreams over an in-memory connection by handing each
// new substream its own net.Pipe: OpenStream creates a pipe and hands the
// remote half to the peer muxer's AcceptStream queue, mirroring the
// dial/accept handoff used for whole connections in Transport.Dial.
type muxer struct {
	incoming chan network.Substream
	peer     *muxer

	closeOnce sync.Once
	done      chan struct{}
}

func newMuxerPair() (local *muxer, remote *muxer) {
	local = &muxer{
		incoming: make(chan network.Substream, network.DefaultChannelCapacity),
		done:     make(chan struct{}),
	}
	remote = &muxer{
		incoming: make(chan network.Substream, network.DefaultChannelCapacity),
		done:     make(chan struct{}),
	}
	local.peer = remote
	remote.peer = local
	return local, remote
}

// AcceptStream blocks until a peer-initiated substream arrives.
func (m *muxer) AcceptStream(ctx context.Context) (network.Substream, error) {
	select {
	case s := <-m.incoming:
		return s, nil
	case <-m.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenStream creates a new net.Pipe, keeps one half, and hands the other half
// to the peer muxer's AcceptStream queue.
func (m *muxer) OpenStream(ctx context.Context) (network.Substream, error) {
	local, remote := net.Pipe()
	select {
	case m.peer.incoming <- remote:
		return local, nil
	case <-m.done:
		local.Close()
		remote.Close()
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// Close marks the muxer closed; any blocked or future AcceptStream/OpenStream
// call returns immediately. Substreams already handed out are not closed, and
// the peer muxer is not closed either.
func (m *muxer) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
