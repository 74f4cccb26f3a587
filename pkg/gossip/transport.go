package gossip

import (
	"context"

	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// Peer is the outbound half of the peer protocol: a handle to one remote
// member. Implementations must honour ctx deadlines; a timeout is reported
// as an error and treated the same as an unreachable peer.
type Peer interface {
	Identity() Identity

	// Ping asks the peer for a direct ack.
	Ping(ctx context.Context) (bool, error)

	// PingRequest asks the peer to ping target on our behalf.
	PingRequest(ctx context.Context, target Identity) (bool, error)

	// StateSync sends our register state and returns the peer's merged state.
	StateSync(ctx context.Context, from Identity, state State) (State, error)

	// Coordinate executes a batch on the peer's storage.
	Coordinate(ctx context.Context, batch kv.Batch) (*kv.BatchResponse, error)
}

// Dialer returns a handle for id. It must not block on the network; the
// handle connects lazily.
type Dialer func(id Identity) Peer
