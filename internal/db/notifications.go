package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetNotificationSettings retrieves the settings for a task
func (db *DB) GetNotificationSettings(ctx context.Context, taskID string) (*NotificationSettings, error) {
	s := &NotificationSettings{}
	var frequency, rules string
	err := db.queryRow(ctx, `
		SELECT task_id, notify_on_success, notify_on_failure, email, frequency, criteria, custom_rules, slack_webhook, discord_webhook, updated_at
		FROM notification_settings WHERE task_id = ?
	`, taskID).Scan(&s.TaskID, &s.NotifyOnSuccess, &s.NotifyOnFailure, &s.Email, &frequency, &s.Criteria, &rules, &s.SlackWebhook, &s.DiscordWebhook, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.Frequency = Frequency(frequency)
	if rules != "" {
		if err := json.Unmarshal([]byte(rules), &s.CustomRules); err != nil {
			return nil, fmt.Errorf("decoding custom rules: %w", err)
		}
	}
	return s, nil
}

// UpsertNotificationSettings creates or replaces the settings for a task
func (db *DB) UpsertNotificationSettings(ctx context.Context, s *NotificationSettings) error {
	if s.Frequency == "" {
		s.Frequency = FrequencyImmediate
	}
	if s.CustomRules == nil {
		s.CustomRules = []NotificationRule{}
	}
	rules, err := json.Marshal(s.CustomRules)
	if err != nil {
		return fmt.Errorf("encoding custom rules: %w", err)
	}
	s.UpdatedAt = utc(time.Now())

	_, err = db.exec(ctx, `
		INSERT INTO notification_settings (task_id, notify_on_success, notify_on_failure, email, frequency, criteria, custom_rules, slack_webhook, discord_webhook, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			notify_on_success = excluded.notify_on_success,
			notify_on_failure = excluded.notify_on_failure,
			email = excluded.email,
			frequency = excluded.frequency,
			criteria = excluded.criteria,
			custom_rules = excluded.custom_rules,
			slack_webhook = excluded.slack_webhook,
			discord_webhook = excluded.discord_webhook,
			updated_at = excluded.updated_at
	`, s.TaskID, s.NotifyOnSuccess, s.NotifyOnFailure, s.Email, string(s.Frequency), s.Criteria, string(rules), s.SlackWebhook, s.DiscordWebhook, s.UpdatedAt)
	return err
}

// DeleteNotificationSettings removes a task's settings, returning ErrNotFound when none exist
func (db *DB) DeleteNotificationSettings(ctx context.Context, taskID string) error {
	res, err := db.exec(ctx, "DELETE FROM notification_settings WHERE task_id = ?", taskID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
