package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Job is the correctness backstop behind the per-entity timers: a
// fixed-period reconciliation pass that finds tickets past their
// inactivity thresholds and drives them through the same transitions the
// scheduler would. If a timer was lost (crash during arming, entity
// predating Bootstrap), the sweep still converges it.
type Job struct {
	source     TicketSource
	tickets    TicketDriver
	warnAfter  time.Duration
	closeAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type TicketSource interface {
	ListWarnCandidates(ctx context.Context, cutoff time.Time) ([]int64, error)
	ListCloseCandidates(ctx context.Context, cutoff time.Time) ([]int64, error)
}

type TicketDriver interface {
	WarnInactivity(ctx context.Context, id int64) error
	CloseForInactivity(ctx context.Context, id int64) error
}

func New(source TicketSource, tickets TicketDriver, warnAfter, closeAfter time.Duration, logger *zap.Logger) *Job {
	if warnAfter <= 0 {
		warnAfter = 48 * time.Hour
	}
	if closeAfter <= warnAfter {
		closeAfter = warnAfter + 24*time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		source:     source,
		tickets:    tickets,
		warnAfter:  warnAfter,
		closeAfter: closeAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (j *Job) Run(ctx context.Context) error {
	if j.source == nil || j.tickets == nil {
		return fmt.Errorf("sweep job dependencies are not configured")
	}

	now := j.now()

	closeIDs, err := j.source.ListCloseCandidates(ctx, now.Add(-j.closeAfter))
	if err != nil {
		return fmt.Errorf("list close candidates: %w", err)
	}

	closed := 0
	closing := make(map[int64]struct{}, len(closeIDs))
	for _, id := range closeIDs {
		closing[id] = struct{}{}
		if err := j.tickets.CloseForInactivity(ctx, id); err != nil {
			j.logger.Warn("sweep close failed", zap.Int64("ticket_id", id), zap.Error(err))
			continue
		}
		closed++
	}

	warnIDs, err := j.source.ListWarnCandidates(ctx, now.Add(-j.warnAfter))
	if err != nil {
		return fmt.Errorf("list warn candidates: %w", err)
	}

	warned := 0
	for _, id := range warnIDs {
		// Already driven to closed in this pass; warning would be noise.
		if _, ok := closing[id]; ok {
			continue
		}
		if err := j.tickets.WarnInactivity(ctx, id); err != nil {
			j.logger.Warn("sweep warn failed", zap.Int64("ticket_id", id), zap.Error(err))
			continue
		}
		warned++
	}

	if warned > 0 || closed > 0 {
		j.logger.Info("inactivity sweep completed", zap.Int("warned", warned), zap.Int("closed", closed))
	}
	return nil
}
