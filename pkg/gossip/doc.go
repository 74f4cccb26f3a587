// Package gossip implements cluster membership for zephyrkv: a last-writer-
// wins register of members stamped by a hybrid logical clock, SWIM-style
// failure detection with indirect probing, and anti-entropy state exchange.
// The live member set drives a Maglev routing table used to pick the owner
// of a key.
//
// Typical usage:
//
//	svc, _ := gossip.New(gossip.DefaultConfig(self), rpc.Dial, gossip.WithLogger(lg))
//	_ = svc.Bootstrap(ctx, seed)
//	svc.Start()
//	defer svc.Stop()
//
// The wire transport is pluggable through Dialer; the rpc package provides
// an HTTP+JSON one.
package gossip
