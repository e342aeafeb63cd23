package api

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
)

// TaskRequest represents a task creation/update request
type TaskRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	StartURL     string `json:"start_url,omitempty"`
	CronSchedule string `json:"cron_schedule,omitempty"` // empty for manual-only tasks
	IsActive     *bool  `json:"is_active,omitempty"`     // defaults to true
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	StartURL      string     `json:"start_url,omitempty"`
	CronSchedule  string     `json:"cron_schedule,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// TaskRunResponse represents a task run in API responses
type TaskRunResponse struct {
	ID                 string          `json:"id"`
	TaskID             string          `json:"task_id"`
	Status             string          `json:"status"`
	Trigger            string          `json:"trigger"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	Error              string          `json:"error,omitempty"`
	Logs               string          `json:"logs,omitempty"`
	ShouldNotify       *bool           `json:"should_notify,omitempty"`
	NotificationReason string          `json:"notification_reason,omitempty"`
	DurationMs         *int64          `json:"duration_ms,omitempty"`
}

// TaskRunsResponse represents a list of task runs
type TaskRunsResponse struct {
	Runs  []TaskRunResponse `json:"runs"`
	Total int               `json:"total"`
}

// RunResultResponse is returned by a synchronous run
type RunResultResponse struct {
	Run     TaskRunResponse `json:"run"`
	Message string          `json:"message"`
}

// NotificationSettingsRequest replaces a task's notification settings
type NotificationSettingsRequest struct {
	NotifyOnSuccess bool                  `json:"notify_on_success"`
	NotifyOnFailure bool                  `json:"notify_on_failure"`
	Email           string                `json:"email"`
	Frequency       db.Frequency          `json:"frequency"`
	Criteria        string                `json:"notification_criteria"`
	CustomRules     []db.NotificationRule `json:"custom_rules"`
	SlackWebhook    string                `json:"slack_webhook"`
	DiscordWebhook  string                `json:"discord_webhook"`
}

// UsageCounter is one quota
type UsageCounter struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// MeResponse describes the caller's account and quotas
type MeResponse struct {
	ID                 string       `json:"id"`
	Email              string       `json:"email"`
	Plan               db.Plan      `json:"plan"`
	EmailNotifications bool         `json:"email_notifications"`
	Tasks              UsageCounter `json:"tasks"`
	RunsThisMonth      UsageCounter `json:"runs_this_month"`
}

// MeRequest updates account preferences
type MeRequest struct {
	EmailNotifications *bool `json:"email_notifications"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// LimitExceededResponse is returned with 403 when a plan quota blocks an operation
type LimitExceededResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// SSEStartEvent opens a streamed run
type SSEStartEvent struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
}

// SSEStepEvent carries one normalized provider step
type SSEStepEvent struct {
	RunID     string            `json:"run_id"`
	Kind      executor.StepKind `json:"kind"`
	Step      int               `json:"step"`
	Text      string            `json:"text"`
	Log       string            `json:"log"`
	Timestamp string            `json:"timestamp"`
}

// SSECompletionEvent closes a streamed run
type SSECompletionEvent struct {
	RunID      string           `json:"run_id"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	Result     *executor.Output `json:"result,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// Error codes
const (
	codeInvalidRequest = "invalid_request"
	codeInvalidCron    = "invalid_schedule"
	codeLimitExceeded  = "limit_exceeded"
	codeNotFound       = "not_found"
	codeNotStreaming   = "not_streaming"
	codeInternal       = "internal"
	codeUnauthorized   = "unauthorized"
)
