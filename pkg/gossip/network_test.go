package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

var errUnreachable = errors.New("memnet: unreachable")

// memNet connects services in-process. Nodes can be taken down and
// individual links cut in both directions.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*Service
	down  map[string]bool
	cut   map[[2]string]bool
}

func newMemNet() *memNet {
	return &memNet{
		nodes: make(map[string]*Service),
		down:  make(map[string]bool),
		cut:   make(map[[2]string]bool),
	}
}

func (n *memNet) dialer(from Identity) Dialer {
	return func(to Identity) Peer { return &memPeer{net: n, from: from, to: to} }
}

func (n *memNet) target(from, to Identity) (*Service, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[to.String()] || n.down[from.String()] || n.cut[[2]string{from.String(), to.String()}] {
		return nil, errUnreachable
	}
	svc, ok := n.nodes[to.String()]
	if !ok {
		return nil, errUnreachable
	}
	return svc, nil
}

func (n *memNet) setDown(id Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id.String()] = true
}

func (n *memNet) partition(a, b Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a.String(), b.String()}] = true
	n.cut[[2]string{b.String(), a.String()}] = true
}

type memPeer struct {
	net      *memNet
	from, to Identity
}

func (p *memPeer) Identity() Identity { return p.to }

func (p *memPeer) Ping(ctx context.Context) (bool, error) {
	svc, err := p.net.target(p.from, p.to)
	if err != nil {
		return false, err
	}
	return svc.Ping(ctx), nil
}

func (p *memPeer) PingRequest(ctx context.Context, target Identity) (bool, error) {
	svc, err := p.net.target(p.from, p.to)
	if err != nil {
		return false, err
	}
	return svc.PingRequest(ctx, target), nil
}

func (p *memPeer) StateSync(ctx context.Context, from Identity, st State) (State, error) {
	svc, err := p.net.target(p.from, p.to)
	if err != nil {
		return State{}, err
	}
	return svc.StateSync(ctx, from, st)
}

func (p *memPeer) Coordinate(context.Context, kv.Batch) (*kv.BatchResponse, error) {
	return nil, errors.New("memnet: coordinate not supported")
}

// eventLog records observer events for assertions.
type eventLog struct {
	mu     sync.Mutex
	svc    *Service
	events []Event
	// suspects seen by the observing node right as each veto was reported
	afterVeto map[Identity][]Identity
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	svc := l.svc
	l.mu.Unlock()

	var suspects []Identity
	if e.Kind == EventVetoed && svc != nil {
		suspects = svc.Suspects()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if e.Kind == EventVetoed {
		if l.afterVeto == nil {
			l.afterVeto = make(map[Identity][]Identity)
		}
		l.afterVeto[e.Member] = suspects
	}
}

func (l *eventLog) suspectsAfterVeto(id Identity) ([]Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.afterVeto[id]
	return s, ok
}

func (l *eventLog) has(kind EventKind, id Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind && e.Member == id {
			return true
		}
	}
	return false
}

func testConfig(name string, port int) Config {
	cfg := DefaultConfig(Identity{Name: name, Host: "127.0.0.1", Port: port})
	cfg.FailureDetectionInterval = 20 * time.Millisecond
	cfg.GossipInterval = 10 * time.Millisecond
	cfg.Jitter = 2 * time.Millisecond
	cfg.StartupGracePeriod = 30 * time.Millisecond
	cfg.PeerTimeout = 50 * time.Millisecond
	cfg.IndirectTimeout = 100 * time.Millisecond
	cfg.TableMinSize = 1
	return cfg
}

// cluster starts n services, each bootstrapped from the first.
func (n *memNet) cluster(t *testing.T, size int) ([]*Service, []*eventLog) {
	t.Helper()
	svcs := make([]*Service, size)
	logs := make([]*eventLog, size)
	for i := range size {
		cfg := testConfig(fmt.Sprintf("n%d", i), 4000+i)
		logs[i] = &eventLog{}
		svc, err := New(cfg, n.dialer(cfg.Self),
			WithLogger(zaptest.NewLogger(t).Named(cfg.Self.Name)),
			WithObserver(logs[i].record))
		require.NoError(t, err)
		logs[i].mu.Lock()
		logs[i].svc = svc
		logs[i].mu.Unlock()

		n.mu.Lock()
		n.nodes[cfg.Self.String()] = svc
		n.mu.Unlock()
		svcs[i] = svc
		t.Cleanup(svc.Stop)
	}
	for _, svc := range svcs[1:] {
		require.NoError(t, svc.Bootstrap(context.Background(), svcs[0].Self()))
	}
	for _, svc := range svcs {
		svc.Start()
	}
	return svcs, logs
}

func memberNames(s *Service) []string {
	var out []string
	for _, m := range s.Members() {
		out = append(out, m.ID.String())
	}
	return out
}

func contains(s *Service, id Identity) bool {
	return s.state.Contains(id)
}
