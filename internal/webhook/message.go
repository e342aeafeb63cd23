// Package webhook delivers run notifications over email, Slack and Discord.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/browser-tasks/internal/db"
)

const defaultTimeout = 10 * time.Second

// Message is a notification about one finished run
type Message struct {
	To       string          `json:"to"`
	TaskName string          `json:"task_name"`
	TaskID   string          `json:"task_id"`
	Status   db.RunStatus    `json:"status"`
	RunID    string          `json:"run_id"`
	UserID   string          `json:"user_id"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	Reason   string          `json:"reason,omitempty"` // provider's notification reason
}

// Sender delivers a message to one destination
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

func (m Message) succeeded() bool {
	return m.Status == db.RunStatusSuccess
}

func (m Message) durationText() string {
	if m.Duration <= 0 {
		return "n/a"
	}
	return m.Duration.Round(100 * time.Millisecond).String()
}

// outputText renders the structured output as readable lines
func (m Message) outputText() string {
	if len(m.Output) == 0 {
		return ""
	}
	var out struct {
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(m.Output, &out); err == nil && len(out.Result) > 0 {
		lines := make([]string, len(out.Result))
		for i, r := range out.Result {
			lines[i] = "• " + r
		}
		return strings.Join(lines, "\n")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, m.Output, "", "  "); err == nil {
		return pretty.String()
	}
	return string(m.Output)
}

func truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + suffix
}

// postJSON sends payload and fails on non-2xx responses
func postJSON(ctx context.Context, client *http.Client, url string, payload any, header http.Header) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
