// Package notify decides whether a finished run alerts its owner and delivers the alert.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
	"github.com/kylemclaren/browser-tasks/internal/webhook"
)

// Trigger names one reason a notification fired
type Trigger string

const (
	TriggerSuccess  Trigger = "success"
	TriggerFailure  Trigger = "failure"
	TriggerCriteria Trigger = "criteria"
	TriggerRule     Trigger = "rule"
)

// Input is a finalized run plus everything needed to judge it
type Input struct {
	Success    bool
	Settings   *db.NotificationSettings
	EmailOptIn bool
	UserEmail  string
	Task       *db.Task
	Run        *db.Run
	Output     *executor.Output
}

// Decision is the evaluator's verdict
type Decision struct {
	ShouldSendNow  bool
	Triggers       []Trigger
	Message        webhook.Message
	SlackWebhook   string
	DiscordWebhook string
}

// Evaluate applies the notification rules. Only the immediate frequency sends;
// daily and weekly are left to a digest job.
func Evaluate(in Input) Decision {
	var d Decision
	s := in.Settings
	if s == nil || in.Task == nil || in.Run == nil {
		return d
	}

	if in.Success && s.NotifyOnSuccess {
		d.Triggers = append(d.Triggers, TriggerSuccess)
	}
	if !in.Success && s.NotifyOnFailure {
		d.Triggers = append(d.Triggers, TriggerFailure)
	}
	if in.Output != nil && in.Output.ShouldNotify != nil && *in.Output.ShouldNotify {
		d.Triggers = append(d.Triggers, TriggerCriteria)
	}
	if matchAnyRule(s.CustomRules, in.Output, in.Run.Output) {
		d.Triggers = append(d.Triggers, TriggerRule)
	}

	if len(d.Triggers) == 0 || !in.EmailOptIn || s.Frequency != db.FrequencyImmediate {
		return d
	}

	d.ShouldSendNow = true
	d.Message = message(in)
	d.SlackWebhook = s.SlackWebhook
	d.DiscordWebhook = s.DiscordWebhook
	return d
}

func message(in Input) webhook.Message {
	to := in.Settings.Email
	if to == "" {
		to = in.UserEmail
	}
	status := db.RunStatusFailed
	if in.Success {
		status = db.RunStatusSuccess
	}

	var duration time.Duration
	if in.Run.FinishedAt != nil {
		duration = in.Run.FinishedAt.Sub(in.Run.StartedAt)
	}

	msg := webhook.Message{
		To:       to,
		TaskName: in.Task.Name,
		TaskID:   in.Task.ID,
		Status:   status,
		RunID:    in.Run.ID,
		UserID:   in.Task.UserID,
		Output:   in.Run.Output,
		Error:    in.Run.ErrorMsg,
		Duration: duration,
	}
	if in.Output != nil && in.Output.NotificationReason != "" {
		msg.Reason = in.Output.NotificationReason
		msg.Output = withReason(in.Run.Output, in.Output.NotificationReason)
	}
	return msg
}

// withReason adds _notificationReason to an object output
func withReason(output json.RawMessage, reason string) json.RawMessage {
	fields := map[string]any{}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &fields); err != nil {
			return output
		}
	}
	fields["_notificationReason"] = reason
	data, err := json.Marshal(fields)
	if err != nil {
		return output
	}
	return data
}

func matchAnyRule(rules []db.NotificationRule, out *executor.Output, raw json.RawMessage) bool {
	var text string
	if out != nil {
		text = strings.ToLower(strings.Join(out.Result, "\n"))
	}
	rawText := strings.ToLower(string(raw))

	for _, r := range rules {
		if !r.Enabled || r.Value == "" {
			continue
		}
		value := strings.ToLower(r.Value)
		switch r.Type {
		case db.RuleTextContains:
			if strings.Contains(text, value) {
				return true
			}
		case db.RuleTextNotContains:
			if out != nil && !strings.Contains(text, value) {
				return true
			}
		case db.RuleOutputContains:
			if strings.Contains(rawText, value) {
				return true
			}
		}
	}
	return false
}

// NormalizeRules validates custom rules and assigns IDs to new ones
func NormalizeRules(rules []db.NotificationRule) ([]db.NotificationRule, error) {
	out := make([]db.NotificationRule, 0, len(rules))
	for _, r := range rules {
		switch r.Type {
		case db.RuleTextContains, db.RuleTextNotContains, db.RuleOutputContains:
		default:
			return nil, fmt.Errorf("unknown rule type %q", r.Type)
		}
		if strings.TrimSpace(r.Value) == "" {
			return nil, fmt.Errorf("rule %q: value is required", r.Type)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		out = append(out, r)
	}
	return out, nil
}
