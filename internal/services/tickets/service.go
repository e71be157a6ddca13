package tickets

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
	ratesvc "github.com/cptcr/pegasus-sub001/internal/services/rate"
	"github.com/cptcr/pegasus-sub001/internal/services/notify"
	"github.com/cptcr/pegasus-sub001/internal/services/transcript"
	"github.com/cptcr/pegasus-sub001/internal/scheduler"
	"github.com/cptcr/pegasus-sub001/internal/workflow"
)

// SystemActorID tags transitions driven by the engine itself (sweeper,
// timers) rather than a user.
const SystemActorID = "system"

const (
	actionCreate   = "ticket_create"
	timerKeyPrefix = "ticket:"
	deleteKeyPrefix = "ticket-delete:"
)

type Store interface {
	Create(ctx context.Context, t model.Ticket) (int64, error)
	GetByID(ctx context.Context, id int64) (model.Ticket, error)
	CountOpenForOwner(ctx context.Context, panelID int64, ownerID string) (int, error)
	Claim(ctx context.Context, id int64, actorID string) (bool, error)
	Unclaim(ctx context.Context, id int64) (bool, error)
	SetState(ctx context.Context, id int64, from, to enums.TicketState) (bool, error)
	Close(ctx context.Context, id int64, closedBy, reason string) (bool, error)
	Touch(ctx context.Context, id int64, extension time.Duration) error
	MarkWarned(ctx context.Context, id int64) (bool, error)
	SetTranscript(ctx context.Context, id int64, objectKey, contentHash string) error
	RecordFeedback(ctx context.Context, id int64, rating int, comment string) (bool, error)
	ListDue(ctx context.Context) ([]model.Ticket, error)
}

type PanelStore interface {
	GetByID(ctx context.Context, id int64) (model.TicketPanel, error)
}

type CreateLimiter interface {
	CheckAndIncrement(ctx context.Context, subjectID, actionKind string) (ratesvc.Decision, error)
}

type TimerRegistry interface {
	Arm(key string, fireAt time.Time, resume scheduler.ResumeFunc)
	Cancel(key string)
}

type Archiver interface {
	Render(ctx context.Context, t model.Ticket) (transcript.Artifact, error)
}

type Notifier interface {
	Publish(e notify.Event)
}

type Config struct {
	// InactivityWarn and InactivityClose are measured from the last
	// activity on the ticket.
	InactivityWarn  time.Duration
	InactivityClose time.Duration
	// DeleteDelay keeps the channel around after closing so the closing
	// actor sees the confirmation message.
	DeleteDelay time.Duration
}

type Service struct {
	store    Store
	panels   PanelStore
	platform platform.Adapter
	limiter  CreateLimiter
	timers   TimerRegistry
	archiver Archiver
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(
	store Store,
	panels PanelStore,
	adapter platform.Adapter,
	limiter CreateLimiter,
	timers TimerRegistry,
	archiver Archiver,
	notifier Notifier,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.InactivityWarn <= 0 {
		cfg.InactivityWarn = 48 * time.Hour
	}
	if cfg.InactivityClose <= 0 {
		cfg.InactivityClose = 72 * time.Hour
	}
	if cfg.DeleteDelay <= 0 {
		cfg.DeleteDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:    store,
		panels:   panels,
		platform: adapter,
		limiter:  limiter,
		timers:   timers,
		archiver: archiver,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Service) Create(ctx context.Context, panelID int64, actorID, subject string) (int64, error) {
	if panelID <= 0 || actorID == "" {
		return 0, fmt.Errorf("invalid create payload: %w", workflow.ErrInvalidTransition)
	}

	panel, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPanelNotFound) {
			return 0, fmt.Errorf("panel %d: %w", panelID, workflow.ErrNotFound)
		}
		return 0, err
	}

	open, err := s.store.CountOpenForOwner(ctx, panelID, actorID)
	if err != nil {
		return 0, err
	}
	if open >= panel.MaxPerUser {
		return 0, fmt.Errorf("open ticket ceiling %d reached: %w", panel.MaxPerUser, workflow.ErrInvalidTransition)
	}

	decision, err := s.limiter.CheckAndIncrement(ctx, actorID, actionCreate)
	if err != nil {
		return 0, err
	}
	if !decision.Allowed {
		return 0, fmt.Errorf("retry after %ds: %w", decision.RetryAfterSec, workflow.ErrRateLimited)
	}

	channelID, err := s.platform.CreateChannel(ctx, platform.ChannelSpec{
		GuildID:    panel.GuildID,
		Name:       channelName(actorID),
		CategoryID: panel.CategoryID,
		Topic:      subject,
	})
	if err != nil {
		return 0, fmt.Errorf("create ticket channel: %w", workflow.ErrExternalService)
	}

	due := s.now().Add(s.cfg.InactivityClose)
	id, err := s.store.Create(ctx, model.Ticket{
		PanelID:   panelID,
		GuildID:   panel.GuildID,
		ChannelID: channelID,
		OwnerID:   actorID,
		Subject:   subject,
		DueAt:     &due,
	})
	if err != nil {
		// The channel exists but the row does not; remove the orphan.
		if delErr := s.platform.DeleteChannel(ctx, channelID); delErr != nil {
			s.logger.Warn("failed to remove orphaned ticket channel", zap.String("channel_id", channelID), zap.Error(delErr))
		}
		return 0, err
	}

	s.armInactivityTimer(id, due)
	s.notifier.Publish(notify.Event{
		Kind:     enums.EventTicketCreated,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  actorID,
		Details:  map[string]string{"panel": panel.Title, "channel": channelID},
	})

	return id, nil
}

// Claim is first-writer-wins; a concurrent second claim sees the guard
// fail and gets ErrInvalidTransition.
func (s *Service) Claim(ctx context.Context, id int64, actorID string) error {
	if actorID == "" {
		return fmt.Errorf("actor is required: %w", workflow.ErrInvalidTransition)
	}

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("ticket %d is closed: %w", id, workflow.ErrInvalidTransition)
	}

	ok, err := s.store.Claim(ctx, id, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ticket %d is not open or already claimed: %w", id, workflow.ErrInvalidTransition)
	}

	s.notifier.Publish(notify.Event{
		Kind:     enums.EventTicketClaimed,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  actorID,
	})
	return nil
}

func (s *Service) Unclaim(ctx context.Context, id int64, actorID string) error {
	if _, err := s.get(ctx, id); err != nil {
		return err
	}

	ok, err := s.store.Unclaim(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ticket %d is not claimed: %w", id, workflow.ErrInvalidTransition)
	}
	return nil
}

// Lock revokes the owner's send permission. The permission edit and the
// state write stand or fall together: an edit failure rolls the state
// back.
func (s *Service) Lock(ctx context.Context, id int64, actorID string) error {
	return s.restrict(ctx, id, enums.TicketLocked)
}

// Freeze is Lock plus revoking the assigned staff's send permission.
func (s *Service) Freeze(ctx context.Context, id int64, actorID string) error {
	return s.restrict(ctx, id, enums.TicketFrozen)
}

func (s *Service) restrict(ctx context.Context, id int64, to enums.TicketState) error {
	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() || t.State == to {
		return fmt.Errorf("ticket %d cannot move to %s from %s: %w", id, to, t.State, workflow.ErrInvalidTransition)
	}

	ok, err := s.store.SetState(ctx, id, t.State, to)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with another transition; nothing to undo.
		return nil
	}

	if err := s.platform.SetSendPermission(ctx, t.ChannelID, t.OwnerID, false); err != nil {
		s.rollbackState(ctx, id, to, t.State)
		return fmt.Errorf("revoke owner send permission: %w", workflow.ErrExternalService)
	}

	if to == enums.TicketFrozen && t.AssignedTo != nil {
		if err := s.platform.SetSendPermission(ctx, t.ChannelID, *t.AssignedTo, false); err != nil {
			if restoreErr := s.platform.SetSendPermission(ctx, t.ChannelID, t.OwnerID, true); restoreErr != nil {
				s.logger.Warn("failed to restore owner permission during freeze rollback",
					zap.Int64("ticket_id", id), zap.Error(restoreErr))
			}
			s.rollbackState(ctx, id, to, t.State)
			return fmt.Errorf("revoke staff send permission: %w", workflow.ErrExternalService)
		}
	}

	return nil
}

func (s *Service) Unlock(ctx context.Context, id int64, actorID string) error {
	return s.unrestrict(ctx, id, enums.TicketLocked)
}

func (s *Service) Unfreeze(ctx context.Context, id int64, actorID string) error {
	return s.unrestrict(ctx, id, enums.TicketFrozen)
}

func (s *Service) unrestrict(ctx context.Context, id int64, from enums.TicketState) error {
	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.State != from {
		return fmt.Errorf("ticket %d is %s, not %s: %w", id, t.State, from, workflow.ErrInvalidTransition)
	}

	to := enums.TicketOpen
	if t.AssignedTo != nil {
		to = enums.TicketClaimed
	}

	ok, err := s.store.SetState(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.platform.SetSendPermission(ctx, t.ChannelID, t.OwnerID, true); err != nil {
		s.rollbackState(ctx, id, to, from)
		return fmt.Errorf("restore owner send permission: %w", workflow.ErrExternalService)
	}
	if from == enums.TicketFrozen && t.AssignedTo != nil {
		if err := s.platform.SetSendPermission(ctx, t.ChannelID, *t.AssignedTo, true); err != nil {
			s.logger.Warn("failed to restore staff permission", zap.Int64("ticket_id", id), zap.Error(err))
		}
	}

	return nil
}

// Close drives any non-terminal ticket to closed. The transcript is
// archived before permissions change so it reflects pre-close content;
// channel deletion is deferred so the confirmation message stays
// visible.
func (s *Service) Close(ctx context.Context, id int64, actorID, reason string) error {
	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("ticket %d is already closed: %w", id, workflow.ErrInvalidTransition)
	}
	if actorID == "" {
		actorID = SystemActorID
	}
	if reason == "" {
		reason = "resolved"
	}

	artifact, err := s.archiver.Render(ctx, t)
	if err != nil {
		return fmt.Errorf("archive ticket transcript: %w", workflow.ErrExternalService)
	}

	ok, err := s.store.Close(ctx, id, actorID, reason)
	if err != nil {
		return err
	}
	if !ok {
		// Another path closed it first; the transition already happened.
		return nil
	}

	if err := s.store.SetTranscript(ctx, id, artifact.ObjectKey, artifact.ContentHash); err != nil {
		s.logger.Warn("failed to record transcript location", zap.Int64("ticket_id", id), zap.Error(err))
	}

	s.timers.Cancel(timerKey(id))

	if err := s.platform.SetSendPermission(ctx, t.ChannelID, t.OwnerID, false); err != nil {
		s.logger.Warn("failed to revoke send permission on close", zap.Int64("ticket_id", id), zap.Error(err))
	}
	if _, err := s.platform.SendMessage(ctx, t.ChannelID, fmt.Sprintf("Ticket closed (%s). This channel will be removed shortly.", reason)); err != nil {
		s.logger.Warn("failed to send close confirmation", zap.Int64("ticket_id", id), zap.Error(err))
	}

	channelID := t.ChannelID
	s.timers.Arm(deleteKey(id), s.now().Add(s.cfg.DeleteDelay), func(ctx context.Context) error {
		return s.platform.DeleteChannel(ctx, channelID)
	})

	minutes := int64(s.now().Sub(t.CreatedAt).Minutes())
	s.notifier.Publish(notify.Event{
		Kind:     enums.EventTicketClosed,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  actorID,
		Details: map[string]string{
			"reason":             reason,
			"resolution_minutes": strconv.FormatInt(minutes, 10),
			"transcript":         artifact.ObjectKey,
		},
	})

	return nil
}

// RecordFeedback stores a post-close rating without reopening the
// ticket; state and due_at are untouched.
func (s *Service) RecordFeedback(ctx context.Context, id int64, actorID string, rating int, comment string) error {
	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !t.State.Terminal() {
		return fmt.Errorf("ticket %d is not closed yet: %w", id, workflow.ErrInvalidTransition)
	}
	if t.OwnerID != actorID {
		return fmt.Errorf("only the ticket owner may rate it: %w", workflow.ErrPermissionDenied)
	}

	ok, err := s.store.RecordFeedback(ctx, id, rating, comment)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("feedback rejected for ticket %d: %w", id, workflow.ErrInvalidTransition)
	}
	return nil
}

// Touch records activity: the inactivity deadline moves out and the
// warning flag resets, and the timer is re-armed to match.
func (s *Service) Touch(ctx context.Context, id int64) error {
	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	if err := s.store.Touch(ctx, id, s.cfg.InactivityClose); err != nil {
		return err
	}

	s.armInactivityTimer(id, s.now().Add(s.cfg.InactivityClose))
	return nil
}

// WarnInactivity emits the one-shot inactivity warning. The conditional
// warned flag makes a second sweep pass a no-op.
func (s *Service) WarnInactivity(ctx context.Context, id int64) error {
	ok, err := s.store.MarkWarned(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.platform.SendMessage(ctx, t.ChannelID, "This ticket has been inactive and will be closed soon unless there is new activity."); err != nil {
		s.logger.Warn("failed to send inactivity warning", zap.Int64("ticket_id", id), zap.Error(err))
	}

	s.notifier.Publish(notify.Event{
		Kind:     enums.EventTicketWarned,
		EntityID: strconv.FormatInt(id, 10),
		ActorID:  SystemActorID,
	})
	return nil
}

func (s *Service) CloseForInactivity(ctx context.Context, id int64) error {
	return s.Close(ctx, id, SystemActorID, "inactivity")
}

// PendingActions and Resume make the service a scheduler source.

func (s *Service) PendingActions(ctx context.Context) ([]scheduler.Pending, error) {
	due, err := s.store.ListDue(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]scheduler.Pending, 0, len(due))
	for _, t := range due {
		if t.DueAt == nil {
			continue
		}
		pending = append(pending, scheduler.Pending{Key: timerKey(t.ID), FireAt: *t.DueAt})
	}
	return pending, nil
}

// Resume re-validates before acting: a ticket that was closed or touched
// since the timer armed is left alone (or re-armed for the new
// deadline).
func (s *Service) Resume(ctx context.Context, key string) error {
	id, err := parseTimerKey(key)
	if err != nil {
		return err
	}

	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrTicketNotFound) {
			return nil
		}
		return err
	}
	if t.State.Terminal() || t.DueAt == nil {
		return nil
	}
	if t.DueAt.After(s.now()) {
		s.armInactivityTimer(id, *t.DueAt)
		return nil
	}

	return s.CloseForInactivity(ctx, id)
}

func (s *Service) get(ctx context.Context, id int64) (model.Ticket, error) {
	if id <= 0 {
		return model.Ticket{}, fmt.Errorf("invalid ticket id: %w", workflow.ErrNotFound)
	}

	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrTicketNotFound) {
			return model.Ticket{}, fmt.Errorf("ticket %d: %w", id, workflow.ErrNotFound)
		}
		return model.Ticket{}, err
	}
	return t, nil
}

func (s *Service) armInactivityTimer(id int64, fireAt time.Time) {
	s.timers.Arm(timerKey(id), fireAt, func(ctx context.Context) error {
		return s.Resume(ctx, timerKey(id))
	})
}

func (s *Service) rollbackState(ctx context.Context, id int64, from, to enums.TicketState) {
	if _, err := s.store.SetState(ctx, id, from, to); err != nil {
		s.logger.Error("failed to roll back ticket state",
			zap.Int64("ticket_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func timerKey(id int64) string {
	return timerKeyPrefix + strconv.FormatInt(id, 10)
}

func deleteKey(id int64) string {
	return deleteKeyPrefix + strconv.FormatInt(id, 10)
}

func parseTimerKey(key string) (int64, error) {
	raw, ok := strings.CutPrefix(key, timerKeyPrefix)
	if !ok {
		return 0, fmt.Errorf("unexpected ticket timer key %q", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("unexpected ticket timer key %q", key)
	}
	return id, nil
}

func channelName(actorID string) string {
	return "ticket-" + strings.ToLower(actorID)
}
