// Package discovery registers nodes in etcd under a lease and lists the
// registered identities so a starting node can find a seed.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

// DefaultPrefix is the key prefix nodes register under.
const DefaultPrefix = "/zephyr/nodes/"

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func keyFor(prefix string, id gossip.Identity) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id.Name
}

// RegisterNode stores id under prefix with a lease of ttl seconds and keeps
// the lease alive until stop is called or ctx ends. stop also revokes the
// lease so the entry disappears immediately.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix string, id gossip.Identity, ttl int64, lg *zap.Logger) (stop func(), err error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	key := keyFor(prefix, id)
	if _, err := cli.Put(ctx, key, id.String(), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", key, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			lg.Warn("etcd lease keepalive ended", zap.String("key", key))
		}
	}()

	lg.Info("registered with etcd", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))
	return func() {
		cancel()
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		if _, err := cli.Revoke(rctx, lease.ID); err != nil {
			lg.Warn("failed to revoke lease", zap.Error(err))
		}
	}, nil
}

// ListPeers returns the identities registered under prefix.
func ListPeers(ctx context.Context, cli *clientv3.Client, prefix string) ([]gossip.Identity, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: list %s: %w", prefix, err)
	}
	return identitiesOf(resp.Kvs), nil
}

// WatchPeers calls fn with the full registered set after every change under
// prefix, until ctx ends.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, lg *zap.Logger, fn func([]gossip.Identity)) {
	if lg == nil {
		lg = zap.NewNop()
	}
	for wresp := range cli.Watch(ctx, prefix, clientv3.WithPrefix()) {
		if err := wresp.Err(); err != nil {
			lg.Warn("etcd watch error", zap.Error(err))
			continue
		}
		peers, err := ListPeers(ctx, cli, prefix)
		if err != nil {
			lg.Warn("etcd relist failed", zap.Error(err))
			continue
		}
		fn(peers)
	}
}

// identitiesOf parses registry values, skipping malformed ones. The result
// is sorted by identity.
func identitiesOf(kvs []*mvccpb.KeyValue) []gossip.Identity {
	out := make([]gossip.Identity, 0, len(kvs))
	for _, kv := range kvs {
		id, err := gossip.ParseIdentity(string(kv.Value))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// PickSeed returns the first registered peer other than self.
func PickSeed(peers []gossip.Identity, self gossip.Identity) (gossip.Identity, bool) {
	for _, p := range peers {
		if p != self && p.Name != self.Name {
			return p, true
		}
	}
	return gossip.Identity{}, false
}
