package gossip

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
)

func (s *Service) investigateLoop() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}
		id, ok := s.nextSuspect()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.notify:
			}
			continue
		}
		s.investigate(id)
	}
}

func (s *Service) nextSuspect() (Identity, bool) {
	s.suspectMu.Lock()
	defer s.suspectMu.Unlock()

	if len(s.queue) == 0 {
		return Identity{}, false
	}
	id := s.queue[0]
	s.queue[0] = Identity{}
	s.queue = s.queue[1:]
	return id, true
}

// investigate asks a subgroup of peers to ping the suspect. Any ack vetoes
// the failure; otherwise the suspect is removed from the cluster.
func (s *Service) investigate(suspect Identity) {
	if !s.state.Contains(suspect) {
		s.clearSuspect(suspect)
		return
	}

	investigators := pick(s.eligible(), s.cfg.FailureDetectionSubgroupSize)
	acks := make(chan bool, len(investigators))

	var g errgroup.Group
	for _, id := range investigators {
		peer := s.Peer(id)
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IndirectTimeout)
			defer cancel()

			ack, err := peer.PingRequest(ctx, suspect)
			if err != nil {
				s.lg.Debug("ping request failed",
					zap.String("investigator", id.String()),
					zap.String("suspect", suspect.String()),
					zap.Error(err))
			}
			acks <- err == nil && ack
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(acks)
	}()

	for ack := range acks {
		if ack {
			s.clearSuspect(suspect)
			telemetry.InvestigationsTotal.WithLabelValues(telemetry.OutcomeVetoed).Inc()
			s.lg.Info("failure vetoed", zap.String("peer", suspect.String()))
			s.emit(Event{Kind: EventVetoed, Member: suspect})
			return
		}
	}
	s.confirm(suspect, len(investigators))
}

// confirm removes a failed member, drops its handle and spreads the removal
// with an immediate gossip round.
func (s *Service) confirm(id Identity, investigators int) {
	err := s.mutate(func() error {
		if err := s.state.Remove(id); err != nil {
			return err
		}
		if p, ok := s.peers[id.Name]; ok && p.Identity() == id {
			delete(s.peers, id.Name)
		}
		delete(s.probed, id.String())
		return nil
	})
	s.clearSuspect(id)
	if err != nil {
		s.logErr("failed to remove member", err, zap.String("peer", id.String()))
		return
	}

	telemetry.InvestigationsTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
	s.lg.Warn("failure confirmed", zap.String("peer", id.String()), zap.Int("investigators", investigators))
	s.emit(Event{Kind: EventConfirmed, Member: id})
	s.gossip()
}
