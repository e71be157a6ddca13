package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
	"github.com/cptcr/pegasus-sub001/internal/domain/model"
	"github.com/cptcr/pegasus-sub001/internal/platform"
	pgrepo "github.com/cptcr/pegasus-sub001/internal/repo/postgres"
	"github.com/cptcr/pegasus-sub001/internal/scheduler"
	"github.com/cptcr/pegasus-sub001/internal/services/notify"
	"github.com/cptcr/pegasus-sub001/internal/workflow"
)

var testNow = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

func TestScheduleTempBanBansAndArmsExpiry(t *testing.T) {
	f := newFixture(t)
	expiry := testNow.Add(24 * time.Hour)

	id, err := f.svc.ScheduleTempBan(context.Background(), "guild-1", "user-1", "mod-1", "spam", expiry)
	if err != nil {
		t.Fatalf("schedule temp ban: %v", err)
	}

	if !f.banner.isBanned("user-1") {
		t.Fatalf("subject should be banned immediately")
	}

	c := f.store.mustGet(t, id)
	if c.State != enums.CaseActive {
		t.Fatalf("unexpected state: %s", c.State)
	}
	if c.DueAt == nil || !c.DueAt.Equal(expiry) {
		t.Fatalf("unexpected due_at: %v", c.DueAt)
	}

	key := fmt.Sprintf("case:%d", id)
	if fireAt, ok := f.timers.armedAt(key); !ok || !fireAt.Equal(expiry) {
		t.Fatalf("expiry timer should be armed, armed=%v at=%v", ok, fireAt)
	}
}

func TestScheduleTempBanRejectsPastExpiry(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ScheduleTempBan(context.Background(), "guild-1", "user-1", "mod-1", "spam", testNow.Add(-time.Hour))
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for past expiry, got %v", err)
	}
	if f.banner.isBanned("user-1") {
		t.Fatalf("rejected schedule must not ban")
	}
}

func TestResumeUnbansOverdueCaseExactlyOnce(t *testing.T) {
	f := newFixture(t)
	id := f.activeCase(t, "user-1", testNow.Add(-time.Hour))

	key := fmt.Sprintf("case:%d", id)
	if err := f.svc.Resume(context.Background(), key); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if f.banner.isBanned("user-1") {
		t.Fatalf("overdue case should unban the subject")
	}
	c := f.store.mustGet(t, id)
	if c.State != enums.CaseExpired {
		t.Fatalf("unexpected state: %s", c.State)
	}
	if c.DueAt != nil {
		t.Fatalf("expiry must clear due_at")
	}

	// Second firing of the same key is a no-op.
	unbans := f.banner.unbanCount("user-1")
	if err := f.svc.Resume(context.Background(), key); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if got := f.banner.unbanCount("user-1"); got != unbans {
		t.Fatalf("resumed case must not unban again: %d -> %d", unbans, got)
	}
}

func TestResumeReArmsWhenExpiryStillFuture(t *testing.T) {
	f := newFixture(t)
	expiry := testNow.Add(6 * time.Hour)
	id := f.activeCase(t, "user-1", expiry)
	f.timers.reset()

	if err := f.svc.Resume(context.Background(), fmt.Sprintf("case:%d", id)); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if f.store.mustGet(t, id).State != enums.CaseActive {
		t.Fatalf("case with future expiry must stay active")
	}
	if fireAt, ok := f.timers.armedAt(fmt.Sprintf("case:%d", id)); !ok || !fireAt.Equal(expiry) {
		t.Fatalf("timer should re-arm for the future expiry, armed=%v at=%v", ok, fireAt)
	}
	if f.banner.unbanCount("user-1") != 0 {
		t.Fatalf("early firing must not unban")
	}
}

func TestResumeUnbanFailureLeavesCaseActive(t *testing.T) {
	f := newFixture(t)
	id := f.activeCase(t, "user-1", testNow.Add(-time.Hour))
	f.banner.unbanErr = fmt.Errorf("gateway timeout")

	if err := f.svc.Resume(context.Background(), fmt.Sprintf("case:%d", id)); err == nil {
		t.Fatalf("expected resume to surface the unban failure")
	}

	c := f.store.mustGet(t, id)
	if c.State != enums.CaseActive || c.DueAt == nil {
		t.Fatalf("failed resume must leave state and due_at for retry: state=%s due=%v", c.State, c.DueAt)
	}
}

func TestResumeToleratesAlreadyMissingBan(t *testing.T) {
	f := newFixture(t)
	id := f.activeCase(t, "user-1", testNow.Add(-time.Hour))
	f.banner.unbanErr = platform.ErrNotFound

	if err := f.svc.Resume(context.Background(), fmt.Sprintf("case:%d", id)); err != nil {
		t.Fatalf("missing ban should count as unbanned: %v", err)
	}
	if f.store.mustGet(t, id).State != enums.CaseExpired {
		t.Fatalf("case should expire when the ban is already gone")
	}
}

func TestLiftUnbansEarlyAndCancelsTimer(t *testing.T) {
	f := newFixture(t)
	id := f.activeCase(t, "user-1", testNow.Add(24*time.Hour))

	if err := f.svc.Lift(context.Background(), id, "mod-2"); err != nil {
		t.Fatalf("lift: %v", err)
	}

	if f.banner.isBanned("user-1") {
		t.Fatalf("lift should unban the subject")
	}
	c := f.store.mustGet(t, id)
	if c.State != enums.CaseLifted {
		t.Fatalf("unexpected state: %s", c.State)
	}
	if !f.timers.wasCancelled(fmt.Sprintf("case:%d", id)) {
		t.Fatalf("lift should cancel the expiry timer")
	}

	err := f.svc.Lift(context.Background(), id, "mod-3")
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("second lift should be invalid, got %v", err)
	}
}

func TestPendingActionsListsActiveCases(t *testing.T) {
	f := newFixture(t)
	a := f.activeCase(t, "user-1", testNow.Add(time.Hour))
	b := f.activeCase(t, "user-2", testNow.Add(2*time.Hour))
	if err := f.svc.Lift(context.Background(), b, "mod-1"); err != nil {
		t.Fatalf("lift: %v", err)
	}

	pending, err := f.svc.PendingActions(context.Background())
	if err != nil {
		t.Fatalf("pending actions: %v", err)
	}
	if len(pending) != 1 || pending[0].Key != fmt.Sprintf("case:%d", a) {
		t.Fatalf("only the active case should be pending: %v", pending)
	}
}

// --- fixture ---

type fixture struct {
	svc      *Service
	store    *fakeStore
	banner   *fakeBanner
	timers   *fakeTimers
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    newFakeStore(),
		banner:   newFakeBanner(),
		timers:   newFakeTimers(),
		notifier: &fakeNotifier{},
	}
	f.svc = NewService(f.store, f.banner, f.timers, f.notifier, nil)
	f.svc.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) activeCase(t *testing.T, subjectID string, expiry time.Time) int64 {
	t.Helper()
	id, err := f.svc.ScheduleTempBan(context.Background(), "guild-1", subjectID, "mod-1", "spam", expiry)
	if err == nil {
		return id
	}
	// Past expiries cannot go through ScheduleTempBan; seed directly.
	id, seedErr := f.store.Create(context.Background(), model.ModerationCase{
		GuildID:     "guild-1",
		SubjectID:   subjectID,
		ModeratorID: "mod-1",
		Reason:      "spam",
		DueAt:       &expiry,
	})
	if seedErr != nil {
		t.Fatalf("seed case: %v", seedErr)
	}
	f.banner.ban(subjectID)
	return id
}

// --- fakes ---

type fakeStore struct {
	mu    sync.Mutex
	seq   int64
	cases map[int64]*model.ModerationCase
}

func newFakeStore() *fakeStore {
	return &fakeStore{cases: make(map[int64]*model.ModerationCase)}
}

func (f *fakeStore) Create(_ context.Context, c model.ModerationCase) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	c.ID = f.seq
	c.State = enums.CaseActive
	c.CreatedAt = testNow
	f.cases[c.ID] = &c
	return c.ID, nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (model.ModerationCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cases[id]
	if !ok {
		return model.ModerationCase{}, pgrepo.ErrCaseNotFound
	}
	return *c, nil
}

func (f *fakeStore) Expire(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cases[id]
	if !ok || c.State != enums.CaseActive {
		return false, nil
	}
	c.State = enums.CaseExpired
	resolvedAt := testNow
	c.ResolvedAt = &resolvedAt
	c.DueAt = nil
	return true, nil
}

func (f *fakeStore) Lift(_ context.Context, id int64, actorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cases[id]
	if !ok || c.State != enums.CaseActive {
		return false, nil
	}
	c.State = enums.CaseLifted
	c.LiftedBy = &actorID
	resolvedAt := testNow
	c.ResolvedAt = &resolvedAt
	c.DueAt = nil
	return true, nil
}

func (f *fakeStore) ListDue(_ context.Context) ([]model.ModerationCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.ModerationCase
	for _, c := range f.cases {
		if c.State == enums.CaseActive && c.DueAt != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) mustGet(t *testing.T, id int64) model.ModerationCase {
	t.Helper()
	c, err := f.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get case %d: %v", id, err)
	}
	return c
}

type fakeBanner struct {
	mu       sync.Mutex
	banned   map[string]bool
	unbans   map[string]int
	unbanErr error
}

func newFakeBanner() *fakeBanner {
	return &fakeBanner{banned: make(map[string]bool), unbans: make(map[string]int)}
}

func (f *fakeBanner) Ban(_ context.Context, _, subjectID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[subjectID] = true
	return nil
}

func (f *fakeBanner) Unban(_ context.Context, _, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unbanErr != nil {
		return f.unbanErr
	}
	f.banned[subjectID] = false
	f.unbans[subjectID]++
	return nil
}

func (f *fakeBanner) ban(subjectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[subjectID] = true
}

func (f *fakeBanner) isBanned(subjectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[subjectID]
}

func (f *fakeBanner) unbanCount(subjectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unbans[subjectID]
}

type fakeTimers struct {
	mu        sync.Mutex
	armed     map[string]time.Time
	cancelled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]time.Time)}
}

func (f *fakeTimers) Arm(key string, fireAt time.Time, _ scheduler.ResumeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[key] = fireAt
}

func (f *fakeTimers) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, key)
	f.cancelled = append(f.cancelled, key)
}

func (f *fakeTimers) armedAt(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.armed[key]
	return at, ok
}

func (f *fakeTimers) wasCancelled(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cancelled {
		if c == key {
			return true
		}
	}
	return false
}

func (f *fakeTimers) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = make(map[string]time.Time)
	f.cancelled = nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Publish(e notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}
