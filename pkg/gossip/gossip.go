package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/hlc"
	"github.com/ryandielhenn/zephyrkv/pkg/ring"
)

// Config tunes the membership service. Self is required; DefaultConfig fills
// in the rest.
type Config struct {
	Self Identity

	FailureDetectionInterval     time.Duration
	FailureDetectionSubgroupSize int
	GossipInterval               time.Duration
	GossipSubgroupSize           int
	// Jitter bounds the random offset added to each loop period.
	Jitter time.Duration
	// StartupGracePeriod keeps freshly added members out of probing and
	// gossip until they have had a chance to come up.
	StartupGracePeriod time.Duration
	// PeerTimeout bounds every direct outbound call.
	PeerTimeout time.Duration
	// IndirectTimeout bounds a ping-request, which itself waits on a ping.
	IndirectTimeout time.Duration
	// TableMinSize is the routing table slot floor; zero keeps the ring
	// default.
	TableMinSize int
}

func DefaultConfig(self Identity) Config {
	return Config{
		Self:                         self,
		FailureDetectionInterval:     500 * time.Millisecond,
		FailureDetectionSubgroupSize: 3,
		GossipInterval:               200 * time.Millisecond,
		GossipSubgroupSize:           5,
		Jitter:                       10 * time.Millisecond,
		StartupGracePeriod:           2 * time.Second,
		PeerTimeout:                  250 * time.Millisecond,
		IndirectTimeout:              500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Self.Name == "" || c.Self.Host == "" || c.Self.Port <= 0 || c.Self.Port > 65535 {
		return fmt.Errorf("%w: self %q", ErrMalformedIdentity, c.Self.String())
	}
	if c.FailureDetectionInterval <= 0 || c.GossipInterval <= 0 {
		return errors.New("gossip: intervals must be positive")
	}
	if c.Jitter < 0 || c.Jitter >= c.FailureDetectionInterval || c.Jitter >= c.GossipInterval {
		return errors.New("gossip: jitter must be non-negative and below every interval")
	}
	if c.GossipSubgroupSize < 1 || c.FailureDetectionSubgroupSize < 0 {
		return errors.New("gossip: invalid subgroup size")
	}
	if c.PeerTimeout <= 0 || c.IndirectTimeout <= 0 {
		return errors.New("gossip: timeouts must be positive")
	}
	if c.StartupGracePeriod < 0 || c.TableMinSize < 0 {
		return errors.New("gossip: negative grace period or table size")
	}
	return nil
}

type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventLeft
	EventSuspected
	EventVetoed
	EventConfirmed
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventSuspected:
		return "suspected"
	case EventVetoed:
		return "vetoed"
	case EventConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a membership transition as seen by this node.
type Event struct {
	Kind   EventKind
	Member Identity
}

type Option func(*Service)

func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) { s.lg = lg }
}

// WithClock replaces the wall clock used for timestamps, timers and the
// grace period.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.wall = c }
}

// WithObserver registers fn to receive events. fn runs synchronously on the
// goroutine that caused the event and must not call back into the service's
// mutating methods.
func WithObserver(fn func(Event)) Option {
	return func(s *Service) { s.observe = fn }
}

// Service owns the membership register, the peer cache and the routing
// table, and runs the failure detection, gossip and investigation loops.
type Service struct {
	cfg     Config
	dial    Dialer
	lg      *zap.Logger
	wall    clockwork.Clock
	observe func(Event)

	// mu guards peers, register mutations issued here, the table and the
	// live/probed views. Never held across a network call.
	mu     sync.RWMutex
	peers  map[string]Peer // by name
	state  *Register
	table  *ring.Table
	live   map[string]Identity // by name
	probed map[string]struct{}

	suspectMu sync.Mutex
	suspects  map[string]Identity // by identity string
	queue     []Identity
	notify    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, dial Dialer, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, errors.New("gossip: nil dialer")
	}

	s := &Service{
		cfg:      cfg,
		dial:     dial,
		lg:       zap.NewNop(),
		wall:     clockwork.NewRealClock(),
		peers:    make(map[string]Peer),
		live:     make(map[string]Identity),
		probed:   make(map[string]struct{}),
		suspects: make(map[string]Identity),
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.lg = s.lg.With(zap.String("self", cfg.Self.String()))
	s.state = NewRegister(hlc.New(s.wall))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.mutate(func() error { return s.state.Add(cfg.Self) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the background loops. Calls after the first are no-ops.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(3)
		go s.loop(s.cfg.FailureDetectionInterval, s.probe)
		go s.loop(s.cfg.GossipInterval, s.gossip)
		go s.investigateLoop()
		s.lg.Info("membership started",
			zap.Duration("probe-interval", s.cfg.FailureDetectionInterval),
			zap.Duration("gossip-interval", s.cfg.GossipInterval))
	})
}

// Stop signals the loops and waits for them to return. In-flight calls run
// to completion under their own timeouts.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.lg.Info("membership stopped")
	})
}

// Bootstrap adds seed to the register and performs one synchronous state
// exchange with it.
func (s *Service) Bootstrap(ctx context.Context, seed Identity) error {
	if seed.IsZero() || seed == s.cfg.Self {
		return nil
	}
	var peer Peer
	err := s.mutate(func() error {
		if _, err := s.state.Ensure(seed); err != nil {
			return err
		}
		peer = s.peerLocked(seed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bootstrap from %s: %w", seed, err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.PeerTimeout)
	defer cancel()
	remote, err := peer.StateSync(cctx, s.cfg.Self, s.State())
	if err != nil {
		return fmt.Errorf("bootstrap from %s: %w", seed, err)
	}
	if err := s.merge(remote); err != nil {
		return fmt.Errorf("bootstrap from %s: %w", seed, err)
	}
	s.lg.Info("bootstrapped", zap.String("seed", seed.String()), zap.Int("members", len(s.Members())))
	return nil
}

func (s *Service) loop(interval time.Duration, fn func()) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wall.After(s.jitter(interval)):
		}
		fn()
	}
}

func (s *Service) jitter(d time.Duration) time.Duration {
	j := s.cfg.Jitter
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)+1))
}

// gossip exchanges state with a random subgroup of eligible peers.
func (s *Service) gossip() {
	targets := pick(s.eligible(), s.cfg.GossipSubgroupSize)
	if len(targets) == 0 {
		return
	}
	local := s.State()

	var g errgroup.Group
	for _, id := range targets {
		peer := s.Peer(id)
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PeerTimeout)
			defer cancel()

			remote, err := peer.StateSync(ctx, s.cfg.Self, local)
			if err != nil {
				telemetry.GossipExchangesTotal.WithLabelValues(telemetry.ResultError).Inc()
				s.lg.Debug("state sync failed", zap.String("peer", id.String()), zap.Error(err))
				s.suspect(id, err)
				return nil
			}
			if err := s.merge(remote); err != nil {
				telemetry.GossipExchangesTotal.WithLabelValues(telemetry.ResultError).Inc()
				s.logErr("merge failed", err, zap.String("peer", id.String()))
				return nil
			}
			telemetry.GossipExchangesTotal.WithLabelValues(telemetry.ResultOK).Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Ping answers a direct probe.
func (s *Service) Ping(context.Context) bool { return true }

// PingRequest pings target on a peer's behalf.
func (s *Service) PingRequest(ctx context.Context, target Identity) bool {
	peer := s.Peer(target)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.PeerTimeout)
	defer cancel()

	ack, err := peer.Ping(cctx)
	if err != nil {
		s.lg.Debug("indirect ping failed", zap.String("target", target.String()), zap.Error(err))
		return false
	}
	return ack
}

// StateSync merges a peer's state, makes sure the caller is a live member
// and returns the merged local state.
func (s *Service) StateSync(_ context.Context, from Identity, remote State) (State, error) {
	if from.IsZero() {
		return State{}, fmt.Errorf("%w: empty caller", ErrMalformedIdentity)
	}
	if err := remote.Validate(); err != nil {
		return State{}, err
	}
	err := s.mutate(func() error {
		if err := s.state.Merge(remote); err != nil {
			return err
		}
		if _, err := s.state.Ensure(from); err != nil {
			return err
		}
		s.peerLocked(from)
		return s.refuteLocked()
	})
	if err != nil {
		s.logErr("state sync rejected", err, zap.String("peer", from.String()))
		return State{}, err
	}
	return s.State(), nil
}

func (s *Service) merge(remote State) error {
	if err := remote.Validate(); err != nil {
		return err
	}
	return s.mutate(func() error {
		if err := s.state.Merge(remote); err != nil {
			return err
		}
		return s.refuteLocked()
	})
}

// refuteLocked re-adds self after a merge removed it.
func (s *Service) refuteLocked() error {
	readded, err := s.state.Ensure(s.cfg.Self)
	if readded {
		s.lg.Warn("refuted removal of self")
	}
	return err
}

// mutate runs fn and rebuilds the table under one critical section, then
// reports join/leave events.
func (s *Service) mutate(fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.rebuildLocked()
	s.mu.Unlock()

	for _, e := range events {
		s.emit(e)
	}
	return err
}

// rebuildLocked refreshes the live view and replaces the table when the live
// name set changed. When a name is live under several identities the newest
// add wins.
func (s *Service) rebuildLocked() []Event {
	members := s.state.Live()
	byName := make(map[string]Identity, len(members))
	stamps := make(map[string]int64, len(members))
	for _, m := range members {
		if prev, ok := stamps[m.ID.Name]; ok && prev >= m.Timestamp {
			continue
		}
		byName[m.ID.Name] = m.ID
		stamps[m.ID.Name] = m.Timestamp
	}

	var events []Event
	for name, id := range byName {
		if old, ok := s.live[name]; (!ok || old != id) && name != s.cfg.Self.Name {
			events = append(events, Event{Kind: EventJoined, Member: id})
		}
	}
	for name, id := range s.live {
		if _, ok := byName[name]; !ok {
			events = append(events, Event{Kind: EventLeft, Member: id})
			if p, ok := s.peers[name]; ok && p.Identity() == id {
				delete(s.peers, name)
			}
		}
	}
	s.live = byName

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	if s.table == nil || !s.table.SameMembers(names) {
		var opts []ring.Option
		if s.cfg.TableMinSize > 0 {
			opts = append(opts, ring.WithMinSize(s.cfg.TableMinSize))
		}
		s.table = ring.New(names, opts...)
		telemetry.RouteTableRebuildsTotal.Inc()
		telemetry.Members.Set(float64(len(names)))
		s.lg.Debug("routing table rebuilt", zap.Strings("members", s.table.Members()), zap.Int("slots", s.table.Size()))
	}
	return events
}

func (s *Service) emit(e Event) {
	switch e.Kind {
	case EventJoined, EventLeft:
		s.lg.Info("member "+e.Kind.String(), zap.String("member", e.Member.String()))
	}
	if s.observe != nil {
		s.observe(e)
	}
}

func (s *Service) logErr(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, hlc.ErrPrecisionOverflow) {
		s.lg.Error(msg, fields...)
		return
	}
	s.lg.Warn(msg, fields...)
}

// Self returns this node's identity.
func (s *Service) Self() Identity { return s.cfg.Self }

// Members returns the live members, self included, sorted by identity.
func (s *Service) Members() []Member { return s.state.Live() }

// Suspects returns the current suspects sorted by identity.
func (s *Service) Suspects() []Identity {
	s.suspectMu.Lock()
	defer s.suspectMu.Unlock()

	out := make([]Identity, 0, len(s.suspects))
	for _, id := range s.suspects {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Owner resolves the member responsible for key.
func (s *Service) Owner(key string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.table.Lookup(key)
	if !ok {
		return Identity{}, false
	}
	id, ok := s.live[name]
	return id, ok
}

// Peer returns the cached handle for id, dialing one if needed.
func (s *Service) Peer(id Identity) Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLocked(id)
}

func (s *Service) peerLocked(id Identity) Peer {
	if p, ok := s.peers[id.Name]; ok && p.Identity() == id {
		return p
	}
	p := s.dial(id)
	s.peers[id.Name] = p
	return p
}

// State returns a copy of the register.
func (s *Service) State() State { return s.state.State() }

// Table returns the current routing table. Tables are immutable.
func (s *Service) Table() *ring.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// pick returns up to n entries of ids in random order.
func pick(ids []Identity, n int) []Identity {
	out := append([]Identity(nil), ids...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
