// Package usage enforces plan quotas on task and run creation.
//
// Checks are read-only and not atomic with the creation that follows them:
// concurrent creators may each pass a check and overshoot the limit by at
// most the number of creators.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/db"
)

// Kind names the quota a check applies to
type Kind string

const (
	KindTasks Kind = "tasks"
	KindRuns  Kind = "runs"
)

// Store is the subset of the database the limiter reads
type Store interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	CountTasksByUser(ctx context.Context, userID string) (int, error)
	CountRunsByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Check is the result of a quota check
type Check struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Limit   int  `json:"limit"`
}

// Err returns a *LimitExceededError when the check failed, nil otherwise
func (c Check) Err(kind Kind) error {
	if c.Allowed {
		return nil
	}
	return &LimitExceededError{Kind: kind, Current: c.Current, Limit: c.Limit}
}

// LimitExceededError reports a rejected creation with the numbers behind it
type LimitExceededError struct {
	Kind    Kind
	Current int
	Limit   int
}

func (e *LimitExceededError) Error() string {
	if e.Kind == KindRuns {
		return fmt.Sprintf("monthly run limit reached (%d/%d)", e.Current, e.Limit)
	}
	return fmt.Sprintf("task limit reached (%d/%d)", e.Current, e.Limit)
}

// Limiter checks users against their plan limits
type Limiter struct {
	store Store
	plans config.PlansConfig
	now   func() time.Time
}

// New creates a limiter
func New(store Store, plans config.PlansConfig) *Limiter {
	return &Limiter{store: store, plans: plans, now: time.Now}
}

// Limits returns the limits of a plan. Unknown plans get the free tier.
func (l *Limiter) Limits(plan db.Plan) config.PlanLimits {
	switch plan {
	case db.PlanPro:
		return l.plans.Pro
	case db.PlanPremium:
		return l.plans.Premium
	default:
		return l.plans.Free
	}
}

// CheckTaskLimit compares the user's task count with their plan
func (l *Limiter) CheckTaskLimit(ctx context.Context, userID string) (Check, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("loading user: %w", err)
	}
	current, err := l.store.CountTasksByUser(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("counting tasks: %w", err)
	}
	return newCheck(current, l.Limits(user.Plan).MaxTasks), nil
}

// CheckRunLimit compares the user's runs this calendar month (UTC) with their plan
func (l *Limiter) CheckRunLimit(ctx context.Context, userID string) (Check, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("loading user: %w", err)
	}
	current, err := l.store.CountRunsByUserSince(ctx, userID, MonthStart(l.now()))
	if err != nil {
		return Check{}, fmt.Errorf("counting runs: %w", err)
	}
	return newCheck(current, l.Limits(user.Plan).MaxRunsPerMonth), nil
}

func newCheck(current, limit int) Check {
	return Check{Allowed: current < limit, Current: current, Limit: limit}
}

// MonthStart returns the first instant of t's calendar month in UTC
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
