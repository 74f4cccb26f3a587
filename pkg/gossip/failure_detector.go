package gossip

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/hlc"
)

// probe pings one random eligible peer and suspects it on failure.
func (s *Service) probe() {
	target, ok := s.randomPeer()
	if !ok {
		return
	}
	peer := s.Peer(target)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PeerTimeout)
	ack, err := peer.Ping(ctx)
	cancel()

	switch {
	case err != nil:
		telemetry.ProbesTotal.WithLabelValues(telemetry.ResultError).Inc()
		s.suspect(target, err)
	case !ack:
		telemetry.ProbesTotal.WithLabelValues(telemetry.ResultNoAck).Inc()
		s.suspect(target, ErrNoAck)
	default:
		telemetry.ProbesTotal.WithLabelValues(telemetry.ResultAck).Inc()
	}
}

// eligible lists live members other than self that are neither suspected
// nor inside their startup grace period.
func (s *Service) eligible() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eligibleLocked()
}

func (s *Service) eligibleLocked() []Identity {
	now := s.wall.Now().UnixMilli()
	grace := s.cfg.StartupGracePeriod.Milliseconds()
	added := s.state.Effective()

	s.suspectMu.Lock()
	defer s.suspectMu.Unlock()

	var out []Identity
	for _, id := range s.live {
		if id.Name == s.cfg.Self.Name {
			continue
		}
		if _, ok := s.suspects[id.String()]; ok {
			continue
		}
		if grace > 0 && hlc.Unpack(added[id.String()]).Physical+grace > now {
			continue
		}
		out = append(out, id)
	}
	return out
}

// randomPeer samples eligible peers without replacement; once every eligible
// peer was probed the cycle starts over.
func (s *Service) randomPeer() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := s.eligibleLocked()
	if len(eligible) == 0 {
		return Identity{}, false
	}
	fresh := make([]Identity, 0, len(eligible))
	for _, id := range eligible {
		if _, ok := s.probed[id.String()]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		clear(s.probed)
		fresh = eligible
	}
	id := pick(fresh, 1)[0]
	s.probed[id.String()] = struct{}{}
	return id, true
}

// suspect marks id and queues it for investigation. An id already under
// suspicion is not queued again.
func (s *Service) suspect(id Identity, cause error) {
	s.suspectMu.Lock()
	if _, ok := s.suspects[id.String()]; ok {
		s.suspectMu.Unlock()
		return
	}
	s.suspects[id.String()] = id
	s.queue = append(s.queue, id)
	s.suspectMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	telemetry.SuspectsTotal.Inc()
	s.lg.Info("peer suspected", zap.String("peer", id.String()), zap.Error(cause))
	s.emit(Event{Kind: EventSuspected, Member: id})
}

func (s *Service) clearSuspect(id Identity) {
	s.suspectMu.Lock()
	defer s.suspectMu.Unlock()
	delete(s.suspects, id.String())
}
