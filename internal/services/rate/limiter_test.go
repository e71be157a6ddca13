package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redrepo "github.com/cptcr/pegasus-sub001/internal/repo/redis"
)

func TestLimiterBlocksAboveCeiling(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	limiter := NewLimiter(redrepo.NewWindowRepo(client), map[string]Rule{
		"ticket_create": {Window: time.Minute, Ceiling: 2},
	})

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.CheckAndIncrement(ctx, "user-1", "ticket_create")
		if err != nil {
			t.Fatalf("check #%d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("expected attempt #%d to be allowed", i+1)
		}
	}

	d, err := limiter.CheckAndIncrement(ctx, "user-1", "ticket_create")
	if err != nil {
		t.Fatalf("check #3: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third attempt in window to be denied")
	}
	if d.RetryAfterSec <= 0 {
		t.Fatalf("expected positive retry_after, got %d", d.RetryAfterSec)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	limiter := NewLimiter(redrepo.NewWindowRepo(client), map[string]Rule{
		"ticket_create": {Window: 10 * time.Second, Ceiling: 1},
	})

	ctx := context.Background()

	if d, err := limiter.CheckAndIncrement(ctx, "user-2", "ticket_create"); err != nil || !d.Allowed {
		t.Fatalf("first attempt should pass: allowed=%v err=%v", d.Allowed, err)
	}
	if d, err := limiter.CheckAndIncrement(ctx, "user-2", "ticket_create"); err != nil || d.Allowed {
		t.Fatalf("second attempt should be denied: allowed=%v err=%v", d.Allowed, err)
	}

	mr.FastForward(11 * time.Second)

	if d, err := limiter.CheckAndIncrement(ctx, "user-2", "ticket_create"); err != nil || !d.Allowed {
		t.Fatalf("attempt after window should pass: allowed=%v err=%v", d.Allowed, err)
	}
}

func TestLimiterDeniedAttemptsStillBurnBudget(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	limiter := NewLimiter(redrepo.NewWindowRepo(client), map[string]Rule{
		"ticket_create": {Window: time.Minute, Ceiling: 1},
	})

	ctx := context.Background()

	if _, err := limiter.CheckAndIncrement(ctx, "user-3", "ticket_create"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := limiter.CheckAndIncrement(ctx, "user-3", "ticket_create"); err != nil {
			t.Fatalf("denied attempt #%d: %v", i+1, err)
		}
	}

	count, err := client.Get(ctx, "rate:ticket_create:user-3").Int64()
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected denied attempts to increment, counter is %d", count)
	}
}

func TestLimiterSubjectsAreIndependent(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	limiter := NewLimiter(redrepo.NewWindowRepo(client), map[string]Rule{
		"ticket_create": {Window: time.Minute, Ceiling: 1},
	})

	ctx := context.Background()

	if d, err := limiter.CheckAndIncrement(ctx, "user-a", "ticket_create"); err != nil || !d.Allowed {
		t.Fatalf("user-a first attempt should pass: allowed=%v err=%v", d.Allowed, err)
	}
	if d, err := limiter.CheckAndIncrement(ctx, "user-a", "ticket_create"); err != nil || d.Allowed {
		t.Fatalf("user-a second attempt should be denied: allowed=%v err=%v", d.Allowed, err)
	}
	if d, err := limiter.CheckAndIncrement(ctx, "user-b", "ticket_create"); err != nil || !d.Allowed {
		t.Fatalf("user-b should not be affected by user-a: allowed=%v err=%v", d.Allowed, err)
	}
}

func TestLimiterUnknownActionIsAllowed(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	limiter := NewLimiter(redrepo.NewWindowRepo(client), nil)

	d, err := limiter.CheckAndIncrement(context.Background(), "user-4", "unknown_action")
	if err != nil {
		t.Fatalf("check unknown action: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("actions without a rule should be allowed")
	}
}

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}
