package ping_test

import (
	"context"
	"fmt"
	"time"

	network "github.com/1sixtech/rs-mojave-network"
	"github.com/1sixtech/rs-mojave-network/memnet"
	"github.com/1sixtech/rs-mojave-network/ping"
)

// Example wires two in-memory nodes together over the ping protocol and
// prints the outcome of the first round the dialer observes.
func Example() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	listenerTransport := memnet.NewTransport()
	dialerTransport := memnet.NewTransport()

	listenerBuilder := network.NewBuilder(listenerTransport.PeerID(), ping.NewProtocol())
	if err := listenerBuilder.AddTransport(listenerTransport); err != nil {
		fmt.Println(err)
		return
	}
	listener := listenerBuilder.Build(ctx)
	defer listener.Close()

	// The listener's own PollNext loop must run for its side of the
	// connection to ever be promoted from pending to established and its
	// driver spawned; without this the dialer's negotiation would stall
	// until ctx expires.
	go func() {
		for {
			if _, err := listener.PollNext(ctx); err != nil {
				return
			}
		}
	}()

	dialerBuilder := network.NewBuilder(dialerTransport.PeerID(), ping.NewProtocol())
	if err := dialerBuilder.AddTransport(dialerTransport); err != nil {
		fmt.Println(err)
		return
	}
	dialer := dialerBuilder.Build(ctx)
	defer dialer.Close()

	addr := memnet.Addr("example")
	if err := listener.Listen(addr); err != nil {
		fmt.Println(err)
		return
	}

	if _, err := dialer.Dial(ctx, addr); err != nil {
		fmt.Println(err)
		return
	}

	for {
		ev, err := dialer.PollNext(ctx)
		if err != nil {
			fmt.Println(err)
			return
		}
		if n, ok := ev.(network.NodeProtocolNotification); ok {
			if pe, ok := n.Event.(ping.Event); ok {
				fmt.Println(pe.Ok())
				return
			}
		}
	}
	// Output:
	// true
}
