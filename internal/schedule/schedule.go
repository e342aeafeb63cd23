// Package schedule evaluates cron expressions for task scheduling.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultWindow is the due-check lookback used when none is given
const DefaultWindow = 5 * time.Minute

// ErrNeverFires is returned for an expression that parses but has no future fire time
var ErrNeverFires = errors.New("schedule never fires")

// InvalidScheduleError reports an expression that cannot be parsed
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error {
	return e.Err
}

// 5-field expressions, or 6 with a leading seconds field. Descriptors like @daily are rejected.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Evaluator evaluates expressions in a fixed location
type Evaluator struct {
	loc *time.Location
	now func() time.Time
}

// New returns an evaluator for loc; nil means UTC
func New(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{loc: loc, now: time.Now}
}

var std = New(time.UTC)

// Parse parses expr into a cron schedule
func Parse(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("descriptors are not supported")}
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return sched, nil
}

// IsValid reports whether expr parses
func (e *Evaluator) IsValid(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// IsDue reports whether expr has a fire time in [now-window, now+window].
// Malformed expressions are never due.
func (e *Evaluator) IsDue(expr string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	sched, err := Parse(expr)
	if err != nil {
		return false
	}

	// Next is exclusive, step back so a fire exactly at the window start counts
	from := now.Add(-window).In(e.loc)
	next := sched.Next(from.Add(-time.Nanosecond))
	if next.IsZero() {
		return false
	}
	return !next.After(now.Add(window))
}

// NextRunTime returns the first fire time strictly after the current instant
func (e *Evaluator) NextRunTime(expr string) (time.Time, error) {
	return e.NextRunTimeAfter(expr, e.now())
}

// NextRunTimeAfter returns the first fire time strictly after t, in UTC
func (e *Evaluator) NextRunTimeAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(t.In(e.loc))
	if next.IsZero() {
		return time.Time{}, ErrNeverFires
	}
	return next.UTC(), nil
}

// NextRunFor computes a task's next run. It is nil unless the task is active and scheduled.
func (e *Evaluator) NextRunFor(cronSchedule string, isActive bool, now time.Time) (*time.Time, error) {
	if cronSchedule == "" || !isActive {
		return nil, nil
	}
	next, err := e.NextRunTimeAfter(cronSchedule, now)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// IsValid reports whether expr parses
func IsValid(expr string) bool { return std.IsValid(expr) }

// IsDue evaluates due-ness in UTC
func IsDue(expr string, now time.Time, window time.Duration) bool {
	return std.IsDue(expr, now, window)
}

// NextRunTime returns the next UTC fire time after now
func NextRunTime(expr string) (time.Time, error) { return std.NextRunTime(expr) }

// NextRunTimeAfter returns the next UTC fire time after t
func NextRunTimeAfter(expr string, t time.Time) (time.Time, error) {
	return std.NextRunTimeAfter(expr, t)
}
