package db

import (
	"encoding/json"
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanPro     Plan = "PRO"
	PlanPremium Plan = "PREMIUM"
)

// User is the account a task belongs to. Identity and plan come from external providers.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Plan               Plan      `json:"plan"`
	EmailNotifications bool      `json:"email_notifications"`
	CreatedAt          time.Time `json:"created_at"`
}

// Task represents a scheduled browser automation task
type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	StartURL     string     `json:"start_url,omitempty"`
	CronSchedule string     `json:"cron_schedule,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

// IsScheduled reports whether the task runs on a cron schedule
func (t *Task) IsScheduled() bool {
	return t.CronSchedule != ""
}

// RunStatus represents the status of a task run
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunTrigger records what started a run
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
)

// Run represents one execution of a task
type Run struct {
	ID                 string          `json:"id"`
	TaskID             string          `json:"task_id"`
	Status             RunStatus       `json:"status"`
	Trigger            RunTrigger      `json:"trigger"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	ErrorMsg           string          `json:"error,omitempty"`
	Logs               string          `json:"logs,omitempty"`
	ShouldNotify       *bool           `json:"should_notify,omitempty"`
	NotificationReason string          `json:"notification_reason,omitempty"`
}

// Duration returns the run's wall time, or zero while it is running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult carries the fields written when a run is finalized
type RunResult struct {
	Status             RunStatus
	FinishedAt         time.Time
	Output             json.RawMessage
	ErrorMsg           string
	Logs               string
	ShouldNotify       *bool
	NotificationReason string
}

// Frequency is the notification delivery policy
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// RuleType is the kind of a custom notification rule
type RuleType string

const (
	RuleTextContains    RuleType = "text_contains"
	RuleTextNotContains RuleType = "text_not_contains"
	RuleOutputContains  RuleType = "output_contains"
)

// NotificationRule is a user-defined match on a run's outcome
type NotificationRule struct {
	ID      string   `json:"id"`
	Type    RuleType `json:"type"`
	Value   string   `json:"value"`
	Enabled bool     `json:"enabled"`
}

// NotificationSettings configure alerts for one task
type NotificationSettings struct {
	TaskID          string             `json:"task_id"`
	NotifyOnSuccess bool               `json:"notify_on_success"`
	NotifyOnFailure bool               `json:"notify_on_failure"`
	Email           string             `json:"email"`
	Frequency       Frequency          `json:"frequency"`
	Criteria        string             `json:"notification_criteria,omitempty"`
	CustomRules     []NotificationRule `json:"custom_rules"`
	SlackWebhook    string             `json:"slack_webhook,omitempty"`
	DiscordWebhook  string             `json:"discord_webhook,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
