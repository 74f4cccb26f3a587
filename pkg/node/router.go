package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// Membership is what the router needs from the membership service.
type Membership interface {
	Self() gossip.Identity
	Owner(key string) (gossip.Identity, bool)
	Peer(id gossip.Identity) gossip.Peer
}

// Coordinator executes a batch on local storage.
type Coordinator interface {
	Coordinate(ctx context.Context, b kv.Batch) (*kv.BatchResponse, error)
}

// Decision is where a table's batches run.
type Decision struct {
	Local bool
	Owner gossip.Identity
}

// Router sends each batch to the member owning its table.
type Router struct {
	members Membership
	store   Coordinator
	lg      *zap.Logger
}

func NewRouter(members Membership, store Coordinator, lg *zap.Logger) *Router {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Router{members: members, store: store, lg: lg}
}

// Decide looks up the owner of table. An empty routing table means this
// node serves everything.
func (r *Router) Decide(table string) Decision {
	self := r.members.Self()
	owner, ok := r.members.Owner(table)
	if !ok || owner == self {
		return Decision{Local: true, Owner: self}
	}
	return Decision{Owner: owner}
}

// Route runs b locally or on its owner. Remote responses and errors are
// returned unchanged.
func (r *Router) Route(ctx context.Context, b kv.Batch) (*kv.BatchResponse, error) {
	table, err := b.Table()
	if err != nil {
		return nil, err
	}
	d := r.Decide(table)

	dest := telemetry.DestLocal
	var res *kv.BatchResponse
	if d.Local {
		res, err = r.store.Coordinate(ctx, b)
	} else {
		dest = telemetry.DestRemote
		r.lg.Debug("forwarding batch", zap.String("table", table), zap.String("owner", d.Owner.String()))
		res, err = r.members.Peer(d.Owner).Coordinate(ctx, b)
	}

	result := telemetry.ResultOK
	if err != nil {
		result = telemetry.ResultError
	}
	telemetry.RouterRequestsTotal.WithLabelValues(dest, result).Inc()
	return res, err
}
