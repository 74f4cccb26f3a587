package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/hlc"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestConfigValidate(t *testing.T) {
	self := Identity{Name: "a", Host: "127.0.0.1", Port: 4001}
	require.NoError(t, DefaultConfig(self).Validate())

	cases := map[string]func(*Config){
		"no self":          func(c *Config) { c.Self = Identity{} },
		"bad port":         func(c *Config) { c.Self.Port = 70000 },
		"zero interval":    func(c *Config) { c.GossipInterval = 0 },
		"jitter too large": func(c *Config) { c.Jitter = c.GossipInterval },
		"zero gossip fan":  func(c *Config) { c.GossipSubgroupSize = 0 },
		"zero timeout":     func(c *Config) { c.PeerTimeout = 0 },
		"negative grace":   func(c *Config) { c.StartupGracePeriod = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig(self)
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewRegistersSelf(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("solo", 4100)
	svc, err := New(cfg, net.dialer(cfg.Self), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	require.Equal(t, []string{cfg.Self.String()}, memberNames(svc))
	owner, ok := svc.Owner("users")
	require.True(t, ok)
	require.Equal(t, cfg.Self, owner)
	require.Empty(t, svc.Suspects())
}

func TestBootstrapJoinsBothSides(t *testing.T) {
	net := newMemNet()
	var svcs []*Service
	for i := range 2 {
		cfg := testConfig(fmt.Sprintf("b%d", i), 4200+i)
		svc, err := New(cfg, net.dialer(cfg.Self), WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		net.nodes[cfg.Self.String()] = svc
		svcs = append(svcs, svc)
	}
	a, b := svcs[0], svcs[1]

	require.NoError(t, b.Bootstrap(context.Background(), a.Self()))

	want := []string{a.Self().String(), b.Self().String()}
	require.Equal(t, want, memberNames(a))
	require.Equal(t, want, memberNames(b))
	for i := range 50 {
		key := fmt.Sprintf("t%d", i)
		oa, _ := a.Owner(key)
		ob, _ := b.Owner(key)
		require.Equal(t, oa, ob, "owner of %s", key)
	}
}

func TestBootstrapUnreachableSeed(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("lonely", 4300)
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	seed := Identity{Name: "ghost", Host: "127.0.0.1", Port: 4399}
	err = svc.Bootstrap(context.Background(), seed)
	require.ErrorIs(t, err, errUnreachable)
}

func TestGossipConvergence(t *testing.T) {
	net := newMemNet()
	svcs, _ := net.cluster(t, 5)

	require.Eventually(t, func() bool {
		for _, s := range svcs {
			if len(s.Members()) != 5 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	want := svcs[0].Table().Members()
	for _, s := range svcs[1:] {
		assert.Equal(t, want, s.Table().Members())
	}
	for i := range 100 {
		key := fmt.Sprintf("table%d", i)
		first, _ := svcs[0].Owner(key)
		for _, s := range svcs[1:] {
			got, _ := s.Owner(key)
			assert.Equal(t, first, got, "owner of %s", key)
		}
	}
}

func TestFailureDetection(t *testing.T) {
	net := newMemNet()
	svcs, logs := net.cluster(t, 3)
	a, b, c := svcs[0], svcs[1], svcs[2]

	require.Eventually(t, func() bool {
		return len(a.Members()) == 3 && len(b.Members()) == 3 && len(c.Members()) == 3
	}, waitFor, tick)

	net.setDown(c.Self())
	c.Stop()

	require.Eventually(t, func() bool {
		return !contains(a, c.Self()) && !contains(b, c.Self())
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(a.Suspects()) == 0 && len(b.Suspects()) == 0
	}, waitFor, tick)

	owner, ok := a.Owner("anything")
	require.True(t, ok)
	require.NotEqual(t, c.Self(), owner)
	assert.True(t, logs[0].has(EventLeft, c.Self()) || logs[0].has(EventConfirmed, c.Self()))
}

func TestPartitionedLinkIsVetoed(t *testing.T) {
	net := newMemNet()
	svcs, logs := net.cluster(t, 3)
	a, c := svcs[0], svcs[2]

	require.Eventually(t, func() bool {
		for _, s := range svcs {
			if len(s.Members()) != 3 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	// b must be past its grace period at a to act as investigator.
	require.Eventually(t, func() bool { return len(a.eligible()) == 2 }, waitFor, tick)

	net.partition(a.Self(), c.Self())

	require.Eventually(t, func() bool {
		return logs[0].has(EventVetoed, c.Self())
	}, waitFor, tick)

	assert.True(t, contains(a, c.Self()))
	assert.False(t, logs[0].has(EventConfirmed, c.Self()))

	suspects, ok := logs[0].suspectsAfterVeto(c.Self())
	require.True(t, ok)
	assert.NotContains(t, suspects, c.Self(), "vetoed suspect still under suspicion")
}

func TestNoInvestigatorsConfirmsFailure(t *testing.T) {
	net := newMemNet()
	svcs, logs := net.cluster(t, 2)
	a, b := svcs[0], svcs[1]

	require.Eventually(t, func() bool { return len(a.Members()) == 2 }, waitFor, tick)
	before := testutil.ToFloat64(telemetry.SuspectsTotal)

	net.setDown(b.Self())
	b.Stop()

	require.Eventually(t, func() bool { return logs[0].has(EventConfirmed, b.Self()) }, waitFor, tick)
	require.False(t, contains(a, b.Self()))
	require.Greater(t, testutil.ToFloat64(telemetry.SuspectsTotal), before)
}

func TestStateSyncRejectsMalformed(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("strict", 4400)
	svc, err := New(cfg, net.dialer(cfg.Self), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	from := Identity{Name: "x", Host: "127.0.0.1", Port: 4401}

	_, err = svc.StateSync(context.Background(), from, State{AddSet: map[string]int64{"bogus": 1}})
	require.ErrorIs(t, err, ErrMalformedState)

	_, err = svc.StateSync(context.Background(), from, State{AddSet: map[string]int64{from.String(): -5}})
	require.ErrorIs(t, err, ErrMalformedState)

	_, err = svc.StateSync(context.Background(), Identity{}, State{})
	require.ErrorIs(t, err, ErrMalformedIdentity)

	require.Equal(t, []string{cfg.Self.String()}, memberNames(svc))
}

func TestStateSyncAddsCaller(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("host", 4500)
	log := &eventLog{}
	svc, err := New(cfg, net.dialer(cfg.Self), WithObserver(log.record))
	require.NoError(t, err)

	caller := Identity{Name: "guest", Host: "127.0.0.1", Port: 4501}
	st, err := svc.StateSync(context.Background(), caller, State{})
	require.NoError(t, err)
	require.Contains(t, st.Effective(), caller.String())
	require.True(t, log.has(EventJoined, caller))
}

func TestRefutesOwnRemoval(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("stubborn", 4600)
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	future, err := hlc.Timestamp{Physical: time.Now().Add(time.Hour).UnixMilli()}.Pack()
	require.NoError(t, err)
	caller := Identity{Name: "accuser", Host: "127.0.0.1", Port: 4601}
	remote := State{
		AddSet:    map[string]int64{caller.String(): 1},
		RemoveSet: map[string]int64{cfg.Self.String(): future},
	}

	st, err := svc.StateSync(context.Background(), caller, remote)
	require.NoError(t, err)
	require.True(t, contains(svc, cfg.Self))
	require.Greater(t, st.AddSet[cfg.Self.String()], future)
}

func TestSuspectQueuedOnce(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("q", 4700)
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	id := Identity{Name: "flaky", Host: "127.0.0.1", Port: 4701}
	svc.suspect(id, errUnreachable)
	svc.suspect(id, errUnreachable)

	require.Equal(t, []Identity{id}, svc.Suspects())
	svc.suspectMu.Lock()
	queued := len(svc.queue)
	svc.suspectMu.Unlock()
	require.Equal(t, 1, queued)
}

func TestRandomPeerSamplesWithoutReplacement(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("sampler", 4800)
	cfg.StartupGracePeriod = 0
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	for i := range 4 {
		_, err := svc.StateSync(context.Background(),
			Identity{Name: fmt.Sprintf("p%d", i), Host: "127.0.0.1", Port: 4900 + i}, State{})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for range 4 {
		id, ok := svc.randomPeer()
		require.True(t, ok)
		require.False(t, seen[id.String()], "%s probed twice in one cycle", id)
		seen[id.String()] = true
	}
	_, ok := svc.randomPeer()
	require.True(t, ok, "cycle restarts once exhausted")
}

func TestGracePeriodExcludesNewMembers(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("patient", 5000)
	cfg.StartupGracePeriod = time.Hour
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	_, err = svc.StateSync(context.Background(), Identity{Name: "new", Host: "127.0.0.1", Port: 5001}, State{})
	require.NoError(t, err)

	require.Len(t, svc.Members(), 2)
	require.Empty(t, svc.eligible())
}

func TestStopIsIdempotent(t *testing.T) {
	net := newMemNet()
	cfg := testConfig("stopper", 5100)
	svc, err := New(cfg, net.dialer(cfg.Self))
	require.NoError(t, err)

	svc.Start()
	svc.Start()
	svc.Stop()
	svc.Stop()
}
