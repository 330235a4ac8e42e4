package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/party"
	"github.com/ridelink/backend/pkg/queue"
)

const sweepBatch = 100

// Notifier publishes authoritative lifecycle signals onto party topics.
type Notifier interface {
	PublishToParty(joinToken, event string, payload interface{})
}

// Sweeper ends parties past their TTL. The lifecycle layer also expires
// lazily on join, but only the sweeper notifies members who are idle.
type Sweeper struct {
	svc      *party.Service
	notifier Notifier
	queue    *queue.Queue
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(svc *party.Service, notifier Notifier, q *queue.Queue, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{svc: svc, notifier: notifier, queue: q, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ended, err := s.svc.ExpireDue(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("expire sweep", zap.Error(err))
		return
	}
	for _, p := range ended {
		if s.notifier != nil {
			s.notifier.PublishToParty(p.JoinToken, "party_ended", map[string]string{"party_id": p.ID.String()})
		}
		if s.queue != nil {
			if err := s.queue.EnqueuePartyTeardown(ctx, queue.PartyTeardownPayload{
				PartyID:   p.ID,
				JoinToken: p.JoinToken,
			}); err != nil {
				s.logger.Error("enqueue teardown", zap.Error(err), zap.String("party_id", p.ID.String()))
			}
		}
		s.logger.Info("party expired", zap.String("party_id", p.ID.String()))
	}
}
