package giveaways

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
	"github.com/cptcr/pegasus-sub001/internal/domain/model"
	pgrepo "github.com/cptcr/pegasus-sub001/internal/repo/postgres"
	"github.com/cptcr/pegasus-sub001/internal/scheduler"
	"github.com/cptcr/pegasus-sub001/internal/services/notify"
	"github.com/cptcr/pegasus-sub001/internal/workflow"
)

const timerKeyPrefix = "giveaway:"

type Store interface {
	Create(ctx context.Context, g model.Giveaway) error
	GetByID(ctx context.Context, id string) (model.Giveaway, error)
	AddEntry(ctx context.Context, giveawayID, userID string) error
	ListEntries(ctx context.Context, giveawayID string) ([]string, error)
	End(ctx context.Context, id string, winners []string) (bool, error)
	SetWinners(ctx context.Context, id string, winners []string) (bool, error)
	ListDue(ctx context.Context) ([]model.Giveaway, error)
}

type Announcer interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
}

type TimerRegistry interface {
	Arm(key string, fireAt time.Time, resume scheduler.ResumeFunc)
	Cancel(key string)
}

type Notifier interface {
	Publish(e notify.Event)
}

type Service struct {
	store     Store
	announcer Announcer
	timers    TimerRegistry
	notifier  Notifier
	now       func() time.Time
	rng       *rand.Rand
	logger    *zap.Logger
}

func NewService(store Store, announcer Announcer, timers TimerRegistry, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		announcer: announcer,
		timers:    timers,
		notifier:  notifier,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
	}
}

func (s *Service) Start(ctx context.Context, guildID, channelID, hostID, prize string, winnerCount int, endsAt time.Time) (string, error) {
	if channelID == "" || hostID == "" || strings.TrimSpace(prize) == "" {
		return "", fmt.Errorf("invalid giveaway payload: %w", workflow.ErrInvalidTransition)
	}
	if winnerCount <= 0 {
		winnerCount = 1
	}
	if !endsAt.After(s.now()) {
		return "", fmt.Errorf("end time must be in the future: %w", workflow.ErrInvalidTransition)
	}

	messageID, err := s.announcer.SendMessage(ctx, channelID, fmt.Sprintf(
		"🎉 Giveaway: %s — %d winner(s), ends %s", prize, winnerCount, endsAt.UTC().Format(time.RFC1123)))
	if err != nil {
		return "", fmt.Errorf("announce giveaway: %w", workflow.ErrExternalService)
	}

	id := uuid.NewString()
	if err := s.store.Create(ctx, model.Giveaway{
		ID:          id,
		GuildID:     guildID,
		ChannelID:   channelID,
		MessageID:   messageID,
		HostID:      hostID,
		Prize:       prize,
		WinnerCount: winnerCount,
		DueAt:       &endsAt,
	}); err != nil {
		return "", err
	}

	s.armEnd(id, endsAt)
	s.notifier.Publish(notify.Event{
		Kind:     enums.EventGiveawayStarted,
		EntityID: id,
		ActorID:  hostID,
		Details:  map[string]string{"prize": prize},
	})

	return id, nil
}

func (s *Service) Enter(ctx context.Context, id, userID string) error {
	if userID == "" {
		return fmt.Errorf("user is required: %w", workflow.ErrInvalidTransition)
	}

	g, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if g.State != enums.GiveawayActive {
		return fmt.Errorf("giveaway %s is not active: %w", id, workflow.ErrInvalidTransition)
	}

	return s.store.AddEntry(ctx, id, userID)
}

// End draws the winners and closes entries. Fewer entrants than the
// winner count simply means everyone wins.
func (s *Service) End(ctx context.Context, id, actorID string) ([]string, error) {
	g, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.State != enums.GiveawayActive {
		return nil, fmt.Errorf("giveaway %s already ended: %w", id, workflow.ErrInvalidTransition)
	}

	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	winners := s.draw(entries, g.WinnerCount)

	ok, err := s.store.End(ctx, id, winners)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Raced with the timer or another actor; that path announced.
		return nil, nil
	}

	s.timers.Cancel(timerKey(id))
	s.announceWinners(ctx, g, winners, false)

	s.notifier.Publish(notify.Event{
		Kind:     enums.EventGiveawayEnded,
		EntityID: id,
		ActorID:  actorID,
		Details:  map[string]string{"prize": g.Prize, "winners": strings.Join(winners, ", ")},
	})

	return winners, nil
}

// Reroll redraws winners for an ended giveaway; rejecting active ones
// keeps the draw tied to a closed entry list.
func (s *Service) Reroll(ctx context.Context, id, actorID string, winnerCount int) ([]string, error) {
	g, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.State != enums.GiveawayEnded {
		return nil, fmt.Errorf("giveaway %s has not ended: %w", id, workflow.ErrInvalidTransition)
	}

	if winnerCount <= 0 {
		winnerCount = g.WinnerCount
	}

	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	winners := s.draw(entries, winnerCount)

	ok, err := s.store.SetWinners(ctx, id, winners)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("giveaway %s changed during reroll: %w", id, workflow.ErrConflict)
	}

	s.announceWinners(ctx, g, winners, true)
	s.notifier.Publish(notify.Event{
		Kind:     enums.EventGiveawayRerolled,
		EntityID: id,
		ActorID:  actorID,
		Details:  map[string]string{"winners": strings.Join(winners, ", ")},
	})

	return winners, nil
}

func (s *Service) PendingActions(ctx context.Context) ([]scheduler.Pending, error) {
	due, err := s.store.ListDue(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]scheduler.Pending, 0, len(due))
	for _, g := range due {
		if g.DueAt == nil {
			continue
		}
		pending = append(pending, scheduler.Pending{Key: timerKey(g.ID), FireAt: *g.DueAt})
	}
	return pending, nil
}

func (s *Service) Resume(ctx context.Context, key string) error {
	id, ok := strings.CutPrefix(key, timerKeyPrefix)
	if !ok || id == "" {
		return fmt.Errorf("unexpected giveaway timer key %q", key)
	}

	g, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrGiveawayNotFound) {
			return nil
		}
		return err
	}
	if g.State.Terminal() || g.DueAt == nil {
		return nil
	}
	if g.DueAt.After(s.now()) {
		s.armEnd(id, *g.DueAt)
		return nil
	}

	if _, err := s.End(ctx, id, "system"); err != nil && !errors.Is(err, workflow.ErrInvalidTransition) {
		return err
	}
	return nil
}

func (s *Service) get(ctx context.Context, id string) (model.Giveaway, error) {
	if id == "" {
		return model.Giveaway{}, fmt.Errorf("invalid giveaway id: %w", workflow.ErrNotFound)
	}

	g, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrGiveawayNotFound) {
			return model.Giveaway{}, fmt.Errorf("giveaway %s: %w", id, workflow.ErrNotFound)
		}
		return model.Giveaway{}, err
	}
	return g, nil
}

func (s *Service) draw(entries []string, winnerCount int) []string {
	if len(entries) == 0 {
		return []string{}
	}

	pool := make([]string, len(entries))
	copy(pool, entries)
	s.rng.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	if winnerCount > len(pool) {
		winnerCount = len(pool)
	}
	return pool[:winnerCount]
}

func (s *Service) announceWinners(ctx context.Context, g model.Giveaway, winners []string, reroll bool) {
	var text string
	switch {
	case len(winners) == 0:
		text = fmt.Sprintf("Giveaway for %s ended with no entries.", g.Prize)
	case reroll:
		text = fmt.Sprintf("Giveaway reroll for %s — new winner(s): %s", g.Prize, mentionAll(winners))
	default:
		text = fmt.Sprintf("Giveaway for %s ended — winner(s): %s", g.Prize, mentionAll(winners))
	}

	if _, err := s.announcer.SendMessage(ctx, g.ChannelID, text); err != nil {
		// Display is a side effect; the committed transition stands.
		s.logger.Warn("failed to announce giveaway winners", zap.String("giveaway_id", g.ID), zap.Error(err))
	}
	if g.MessageID != "" {
		if err := s.announcer.EditMessage(ctx, g.ChannelID, g.MessageID, text); err != nil {
			s.logger.Warn("failed to update giveaway message", zap.String("giveaway_id", g.ID), zap.Error(err))
		}
	}
}

func mentionAll(users []string) string {
	mentions := make([]string, 0, len(users))
	for _, u := range users {
		mentions = append(mentions, "<@"+u+">")
	}
	return strings.Join(mentions, ", ")
}

func (s *Service) armEnd(id string, fireAt time.Time) {
	s.timers.Arm(timerKey(id), fireAt, func(ctx context.Context) error {
		return s.Resume(ctx, timerKey(id))
	})
}

func timerKey(id string) string {
	return timerKeyPrefix + id
}
