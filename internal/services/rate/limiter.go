package rate

import (
	"context"
	"fmt"
	"time"
)

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Rule caps an action kind at Ceiling occurrences per Window.
type Rule struct {
	Window  time.Duration
	Ceiling int
}

type Decision struct {
	Allowed       bool
	RetryAfterSec int64
}

type Limiter struct {
	store WindowStore
	rules map[string]Rule
}

func NewLimiter(store WindowStore, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Limiter{
		store: store,
		rules: rules,
	}
}

// CheckAndIncrement counts the attempt and reports whether it fits the
// window. Denied attempts keep their increment so retry storms burn the
// same budget as allowed ones.
func (l *Limiter) CheckAndIncrement(ctx context.Context, subjectID, actionKind string) (Decision, error) {
	if subjectID == "" || actionKind == "" {
		return Decision{}, fmt.Errorf("invalid rate subject or action")
	}
	if l.store == nil {
		return Decision{}, fmt.Errorf("rate limiter store is nil")
	}

	rule, ok := l.rules[actionKind]
	if !ok || rule.Ceiling <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, ttl, err := l.store.IncrementWindow(ctx, windowKey(actionKind, subjectID), rule.Window)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(rule.Ceiling) {
		return Decision{RetryAfterSec: ceilSeconds(ttl)}, nil
	}

	return Decision{Allowed: true}, nil
}

func windowKey(actionKind, subjectID string) string {
	return "rate:" + actionKind + ":" + subjectID
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
