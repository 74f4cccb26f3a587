// Package rpc carries the peer protocol over HTTP with JSON bodies. Client
// implements gossip.Peer; Server exposes a node's membership handlers and
// storage to its peers.
package rpc

import (
	"fmt"
	"sort"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// Routes served by Server.
const (
	PathPing        = "/peer/ping"
	PathPingRequest = "/peer/ping-request"
	PathStateSync   = "/peer/state-sync"
	PathCoordinate  = "/peer/coordinate"
)

type Ack struct {
	Ack bool `json:"ack"`
}

type PingTarget struct {
	TargetName string `json:"target_name"`
	TargetHost string `json:"target_host"` // host:port
}

type Entry struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

type StateMessage struct {
	NodeName  string  `json:"node_name"`
	Host      string  `json:"host"` // host:port
	AddSet    []Entry `json:"add_set"`
	RemoveSet []Entry `json:"remove_set"`
}

// Values travel as base64 so arbitrary bytes survive the JSON encoding.
type Operation struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type CoordinateRequest struct {
	Table      string      `json:"table"`
	Operations []Operation `json:"operations"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type Transaction struct {
	ID        string     `json:"id"`
	ReadTS    uint64     `json:"read_ts"`
	CommitTS  uint64     `json:"commit_ts"`
	Status    string     `json:"status"`
	Returning []KeyValue `json:"returning"`
}

type CoordinateResponse struct {
	Table       string      `json:"table"`
	Transaction Transaction `json:"transaction"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func PingTargetOf(id gossip.Identity) PingTarget {
	return PingTarget{TargetName: id.Name, TargetHost: id.HostPort()}
}

func (p PingTarget) Identity() (gossip.Identity, error) {
	return identityOf(p.TargetName, p.TargetHost)
}

func identityOf(name, hostport string) (gossip.Identity, error) {
	if name == "" {
		return gossip.Identity{}, fmt.Errorf("%w: empty name", gossip.ErrMalformedIdentity)
	}
	host, port, err := gossip.ParseHostPort(hostport)
	if err != nil {
		return gossip.Identity{}, err
	}
	return gossip.Identity{Name: name, Host: host, Port: port}, nil
}

// StateMessageOf encodes st as sent by from. Entries are sorted so equal
// states encode identically.
func StateMessageOf(from gossip.Identity, st gossip.State) StateMessage {
	return StateMessage{
		NodeName:  from.Name,
		Host:      from.HostPort(),
		AddSet:    entriesOf(st.AddSet),
		RemoveSet: entriesOf(st.RemoveSet),
	}
}

// Decode returns the sender and the state it carried.
func (m StateMessage) Decode() (gossip.Identity, gossip.State, error) {
	from, err := identityOf(m.NodeName, m.Host)
	if err != nil {
		return gossip.Identity{}, gossip.State{}, err
	}
	st := gossip.State{AddSet: setOf(m.AddSet), RemoveSet: setOf(m.RemoveSet)}
	if err := st.Validate(); err != nil {
		return gossip.Identity{}, gossip.State{}, err
	}
	return from, st, nil
}

func entriesOf(set map[string]int64) []Entry {
	out := make([]Entry, 0, len(set))
	for id, ts := range set {
		out = append(out, Entry{ID: id, TS: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// setOf keeps the greatest timestamp when an id repeats.
func setOf(entries []Entry) map[string]int64 {
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		if prev, ok := out[e.ID]; !ok || e.TS > prev {
			out[e.ID] = e.TS
		}
	}
	return out
}

func CoordinateRequestOf(table string, b kv.Batch) CoordinateRequest {
	req := CoordinateRequest{Table: table, Operations: make([]Operation, 0, len(b.Requests))}
	for _, r := range b.Requests {
		op := Operation{Op: r.Op.String(), Key: r.Key}
		if r.Op == kv.OpPut {
			// non-nil so an empty value still reads back as a put with a value
			op.Value = append([]byte{}, r.Value...)
		}
		req.Operations = append(req.Operations, op)
	}
	return req
}

func (c CoordinateRequest) Batch() (kv.Batch, error) {
	b := kv.Batch{Requests: make([]kv.Request, 0, len(c.Operations))}
	for _, o := range c.Operations {
		op, err := kv.ParseOp(o.Op)
		if err != nil {
			return kv.Batch{}, err
		}
		r := kv.Request{Op: op, Key: o.Key}
		if op == kv.OpPut {
			if o.Value == nil {
				return kv.Batch{}, fmt.Errorf("%w: put %s without value", kv.ErrInvalidRequest, o.Key)
			}
			r.Value = o.Value
		}
		b.Requests = append(b.Requests, r)
	}
	if _, err := b.Table(); err != nil {
		return kv.Batch{}, err
	}
	return b, nil
}

func CoordinateResponseOf(res *kv.BatchResponse) CoordinateResponse {
	r := res.Result
	out := CoordinateResponse{
		Table: res.Table,
		Transaction: Transaction{
			ID:        r.ID,
			ReadTS:    r.ReadTS,
			CommitTS:  r.CommitTS,
			Status:    r.Status.String(),
			Returning: make([]KeyValue, 0, len(r.Returning)),
		},
	}
	for _, p := range r.Returning {
		out.Transaction.Returning = append(out.Transaction.Returning, KeyValue{Key: p.Key, Value: p.Value})
	}
	return out
}

func (c CoordinateResponse) BatchResponse() (*kv.BatchResponse, error) {
	status, err := kv.ParseStatus(c.Transaction.Status)
	if err != nil {
		return nil, err
	}
	res := &kv.BatchResponse{
		Table: c.Table,
		Result: kv.TransactionResult{
			ID:       c.Transaction.ID,
			ReadTS:   c.Transaction.ReadTS,
			CommitTS: c.Transaction.CommitTS,
			Status:   status,
		},
	}
	for _, p := range c.Transaction.Returning {
		res.Result.Returning = append(res.Result.Returning, kv.KeyValue{Key: p.Key, Value: p.Value})
	}
	return res, nil
}
