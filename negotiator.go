package network

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1sixtech/rs-mojave-network/protocol"
)

// DefaultNegotiationTimeout is the wall-clock budget for a full negotiator
// handshake. The connection driver applies it to every handshake; a Node has
// no option to change it.
const DefaultNegotiationTimeout = 15 * time.Second

// maxFrameLen bounds the length prefix so a misbehaving peer cannot make the
// negotiator allocate an unbounded buffer.
const maxFrameLen = 1 << 20

// NegotiatorError is returned when a substream handshake fails.
type NegotiatorError struct {
	kind negotiatorErrKind
	err  error
}

type negotiatorErrKind int

const (
	negotiatorErrTimeout negotiatorErrKind = iota
	negotiatorErrIO
	negotiatorErrFailed
)

// ErrNegotiationTimeout is returned when the handshake does not complete
// within its deadline.
var ErrNegotiationTimeout = &NegotiatorError{kind: negotiatorErrTimeout}

// ErrNegotiationFailed is returned when the peer closed the stream before
// sending its protocol list, or the two protocol lists share no entry.
var ErrNegotiationFailed = &NegotiatorError{kind: negotiatorErrFailed}

// Error satisfies the error interface.
func (e *NegotiatorError) Error() string {
	switch e.kind {
	case negotiatorErrTimeout:
		return "negotiator: timed out"
	case negotiatorErrFailed:
		return "negotiator: negotiation failed"
	default:
		return fmt.Sprintf("negotiator: io error: %s", e.err)
	}
}

// Unwrap exposes the wrapped I/O cause, if any.
func (e *NegotiatorError) Unwrap() error { return e.err }

// IsTimeout reports whether err is (or wraps) a negotiator timeout.
func IsTimeout(err error) bool {
	var ne *NegotiatorError
	return errors.As(err, &ne) && ne.kind == negotiatorErrTimeout
}

// IsNegotiationFailed reports whether err is (or wraps) a negotiation
// failure (no overlapping protocol).
func IsNegotiationFailed(err error) bool {
	var ne *NegotiatorError
	return errors.As(err, &ne) && ne.kind == negotiatorErrFailed
}

func ioNegotiatorError(err error) *NegotiatorError {
	return &NegotiatorError{kind: negotiatorErrIO, err: err}
}

// teeStream mirrors every byte read from or written to a negotiation
// substream into a trace writer, like tee(1). It wraps the handshake only;
// the handler receives the bare substream once negotiation completes.
type teeStream struct {
	r io.Reader
	w io.Writer
}

func (t teeStream) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t teeStream) Write(p []byte) (int, error) { return t.w.Write(p) }

func traceStream(rw io.ReadWriter, trace io.Writer) io.ReadWriter {
	if trace == nil {
		return rw
	}
	return teeStream{r: io.TeeReader(rw, trace), w: io.MultiWriter(rw, trace)}
}

// negotiateOutbound runs the initiator side of the handshake on a freshly
// opened substream: send the local protocol list, flush, receive the remote
// list, then select the first locally-listed protocol that also appears
// remotely.
//
// The underlying substream is never closed here; the caller owns it on both
// success and failure. If ctx is canceled before the handshake completes, the
// in-flight I/O is abandoned and a timeout error is returned; this is the
// Go-idiomatic analogue of "dropping the negotiator future cancels the
// handshake."
func negotiateOutbound(ctx context.Context, rw io.ReadWriter, local []protocol.StreamProtocol) (protocol.StreamProtocol, error) {
	return negotiate(ctx, rw, local, true)
}

// negotiateInbound runs the responder side: receive the remote list first,
// then send the local list, then select with the same overlap rule — the
// remote (initiator) list's order deciding, so both sides pick the same
// protocol.
func negotiateInbound(ctx context.Context, rw io.ReadWriter, local []protocol.StreamProtocol) (protocol.StreamProtocol, error) {
	return negotiate(ctx, rw, local, false)
}

func negotiate(ctx context.Context, rw io.ReadWriter, local []protocol.StreamProtocol, outbound bool) (protocol.StreamProtocol, error) {
	type stepResult struct {
		remote []protocol.StreamProtocol
		err    error
	}

	done := make(chan stepResult, 1)
	go func() {
		var remote []protocol.StreamProtocol
		var err error
		if outbound {
			if err = sendFrame(rw, local); err == nil {
				remote, err = readFrame(rw)
			}
		} else {
			if remote, err = readFrame(rw); err == nil {
				if len(remote) == 0 {
					err = ErrNegotiationFailed
				} else {
					err = sendFrame(rw, local)
				}
			}
		}
		done <- stepResult{remote: remote, err: err}
	}()

	select {
	case <-ctx.Done():
		return protocol.StreamProtocol{}, ErrNegotiationTimeout
	case r := <-done:
		if r.err != nil {
			var ne *NegotiatorError
			if errors.As(r.err, &ne) {
				return protocol.StreamProtocol{}, ne
			}
			return protocol.StreamProtocol{}, ioNegotiatorError(r.err)
		}
		// The initiator's list is always the outer loop, so both sides of a
		// handshake agree on the selected protocol no matter how their lists
		// are ordered: on the responder side the initiator's list is the one
		// received over the wire.
		var selected protocol.StreamProtocol
		var ok bool
		if outbound {
			selected, ok = selectProtocol(local, r.remote)
		} else {
			selected, ok = selectProtocol(r.remote, local)
		}
		if !ok {
			return protocol.StreamProtocol{}, ErrNegotiationFailed
		}
		return selected, nil
	}
}

// selectProtocol implements the overlap rule: the first entry of the
// initiator's list that also appears in the responder's list wins, so the
// initiator's preference order decides when both sides list overlapping
// protocols in different orders.
func selectProtocol(initiator, responder []protocol.StreamProtocol) (protocol.StreamProtocol, bool) {
	for _, i := range initiator {
		for _, r := range responder {
			if i.Equal(r) {
				return i, true
			}
		}
	}
	return protocol.StreamProtocol{}, false
}

func sendFrame(w io.Writer, protos []protocol.StreamProtocol) error {
	payload, err := json.Marshal(protos)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]protocol.StreamProtocol, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNegotiationFailed
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("negotiator: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var protos []protocol.StreamProtocol
	if err := json.Unmarshal(payload, &protos); err != nil {
		return nil, err
	}
	return protos, nil
}
