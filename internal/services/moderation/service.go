package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
	"github.com/cptcr/pegasus-sub001/internal/domain/model"
	"github.com/cptcr/pegasus-sub001/internal/platform"
	pgrepo "github.com/cptcr/pegasus-sub001/internal/repo/postgres"
	"github.com/cptcr/pegasus-sub001/internal/scheduler"
	"github.com/cptcr/pegasus-sub001/internal/services/notify"
	"github.com/cptcr/pegasus-sub001/internal/workflow"
)

const timerKeyPrefix = "case:"

type Store interface {
	Create(ctx context.Context, c model.ModerationCase) (int64, error)
	GetByID(ctx context.Context, id int64) (model.ModerationCase, error)
	Expire(ctx context.Context, id int64) (bool, error)
	Lift(ctx context.Context, id int64, actorID string) (bool, error)
	ListDue(ctx context.Context) ([]model.ModerationCase, error)
}

type Banner interface {
	Ban(ctx context.Context, guildID, subjectID, reason string) error
	Unban(ctx context.Context, guildID, subjectID string) error
}

type TimerRegistry interface {
	Arm(key string, fireAt time.Time, resume scheduler.ResumeFunc)
	Cancel(key string)
}

type Notifier interface {
	Publish(e notify.Event)
}

// Service owns the temporary-ban lifecycle: ban now, persist the case
// with its expiry, and guarantee exactly one unban at or after it.
type Service struct {
	store    Store
	banner   Banner
	timers   TimerRegistry
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store Store, banner Banner, timers TimerRegistry, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		banner:   banner,
		timers:   timers,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Service) ScheduleTempBan(ctx context.Context, guildID, subjectID, moderatorID, reason string, expiresAt time.Time) (int64, error) {
	if subjectID == "" || moderatorID == "" {
		return 0, fmt.Errorf("subject and moderator are required: %w", workflow.ErrInvalidTransition)
	}
	if !expiresAt.After(s.now()) {
		return 0, fmt.Errorf("expiry must be in the future: %w", workflow.ErrInvalidTransition)
	}

	if err := s.banner.Ban(ctx, guildID, subjectID, reason); err != nil {
		return 0, fmt.Errorf("ban %s: %w", subjectID, workflow.ErrExternalService)
	}

	id, err := s.store.Create(ctx, model.ModerationCase{
		GuildID:     guildID,
		SubjectID:   subjectID,
		ModeratorID: moderatorID,
		Reason:      reason,
		DueAt:       &expiresAt,
	})
	if err != nil {
		return 0, err
	}

	s.armExpiry(id, expiresAt)
	s.notifier.Publish(notify.Event{
		Kind:     enums.EventBanScheduled,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  moderatorID,
		Details: map[string]string{
			"subject":    subjectID,
			"reason":     reason,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})

	return id, nil
}

// Lift unbans early. The conditional transition keeps Lift and the
// expiry timer from double-unbanning.
func (s *Service) Lift(ctx context.Context, id int64, actorID string) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.State.Terminal() {
		return fmt.Errorf("case %d is already resolved: %w", id, workflow.ErrInvalidTransition)
	}

	if err := s.unban(ctx, c); err != nil {
		return fmt.Errorf("unban %s: %w", c.SubjectID, workflow.ErrExternalService)
	}

	ok, err := s.store.Lift(ctx, id, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.timers.Cancel(timerKey(id))

	s.notifier.Publish(notify.Event{
		Kind:     enums.EventBanLifted,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  actorID,
		Details:  map[string]string{"subject": c.SubjectID},
	})
	return nil
}

func (s *Service) PendingActions(ctx context.Context) ([]scheduler.Pending, error) {
	due, err := s.store.ListDue(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]scheduler.Pending, 0, len(due))
	for _, c := range due {
		if c.DueAt == nil {
			continue
		}
		pending = append(pending, scheduler.Pending{Key: timerKey(c.ID), FireAt: *c.DueAt})
	}
	return pending, nil
}

// Resume fires the expiry. The unban happens before the terminal write:
// if the write then fails the next attempt unbans again, which the
// platform treats as a no-op, so the pair converges without ever
// skipping the unban.
func (s *Service) Resume(ctx context.Context, key string) error {
	id, err := parseTimerKey(key)
	if err != nil {
		return err
	}

	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrCaseNotFound) {
			return nil
		}
		return err
	}
	if c.State.Terminal() || c.DueAt == nil {
		return nil
	}
	if c.DueAt.After(s.now()) {
		s.armExpiry(id, *c.DueAt)
		return nil
	}

	if err := s.unban(ctx, c); err != nil {
		// Leave the case active with due_at set; sweep or the next
		// Bootstrap retries the expiry.
		return err
	}

	ok, err := s.store.Expire(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.notifier.Publish(notify.Event{
		Kind:     enums.EventBanExpired,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  "system",
		Details:  map[string]string{"subject": c.SubjectID},
	})
	return nil
}

func (s *Service) get(ctx context.Context, id int64) (model.ModerationCase, error) {
	if id <= 0 {
		return model.ModerationCase{}, fmt.Errorf("invalid case id: %w", workflow.ErrNotFound)
	}

	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrCaseNotFound) {
			return model.ModerationCase{}, fmt.Errorf("case %d: %w", id, workflow.ErrNotFound)
		}
		return model.ModerationCase{}, err
	}
	return c, nil
}

// unban treats a missing ban as success so late or repeated firings stay
// idempotent.
func (s *Service) unban(ctx context.Context, c model.ModerationCase) error {
	if err := s.banner.Unban(ctx, c.GuildID, c.SubjectID); err != nil && !errors.Is(err, platform.ErrNotFound) {
		s.logger.Error("unban failed", zap.Int64("case_id", c.ID), zap.String("subject", c.SubjectID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) armExpiry(id int64, fireAt time.Time) {
	s.timers.Arm(timerKey(id), fireAt, func(ctx context.Context) error {
		return s.Resume(ctx, timerKey(id))
	})
}

func timerKey(id int64) string {
	return timerKeyPrefix + strconv.FormatInt(id, 10)
}

func parseTimerKey(key string) (int64, error) {
	raw, ok := strings.CutPrefix(key, timerKeyPrefix)
	if !ok {
		return 0, fmt.Errorf("unexpected case timer key %q", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("unexpected case timer key %q", key)
	}
	return id, nil
}
