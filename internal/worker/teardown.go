package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/realtime"
	"github.com/ridelink/backend/pkg/queue"
)

// TeardownProcessor consumes party teardown jobs and purges the party's
// volatile broadcast state (last-known locations).
type TeardownProcessor struct {
	presence *realtime.Presence
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewTeardownProcessor creates a teardown job processor.
func NewTeardownProcessor(presence *realtime.Presence, q *queue.Queue, logger *zap.Logger) *TeardownProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeardownProcessor{presence: presence, queue: q, logger: logger}
}

// Process executes one teardown job.
func (p *TeardownProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePartyTeardown {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PartyTeardownPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.presence.Purge(ctx, payload.PartyID); err != nil {
		return fmt.Errorf("purge presence: %w", err)
	}
	p.logger.Info("party state purged", zap.String("party_id", payload.PartyID.String()))
	return nil
}

// Run consumes teardown jobs until ctx is cancelled.
func (p *TeardownProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("teardown job failed", zap.Error(err), zap.String("job_id", job.ID))
			if err := p.queue.Retry(ctx, job); err != nil {
				p.logger.Error("retry", zap.Error(err), zap.String("job_id", job.ID))
			}
		}
	}
}
