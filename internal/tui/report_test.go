package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browser-tasks/internal/db"
)

func testTask() *db.Task {
	return &db.Task{
		ID:           "task-1",
		Name:         "Check prices",
		Description:  "Look up the price of the blue kettle",
		StartURL:     "https://shop.example.com",
		CronSchedule: "0 9 * * *",
		IsActive:     true,
	}
}

func finished(t time.Time, d time.Duration) *time.Time {
	f := t.Add(d)
	return &f
}

func TestRenderRunsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderRuns(&buf, testTask(), nil, Options{Style: "notty"}))

	out := buf.String()
	assert.Contains(t, out, "Check prices")
	assert.Contains(t, out, "https://shop.example.com")
	assert.Contains(t, out, "0 9 * * *")
	assert.Contains(t, out, "No runs yet for this task")
}

func TestRenderRunsStatusesAndOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	yes := true
	runs := []*db.Run{
		{
			ID:                 "r1",
			Status:             db.RunStatusSuccess,
			Trigger:            db.TriggerScheduled,
			StartedAt:          base,
			FinishedAt:         finished(base, 42*time.Second),
			Output:             []byte(`{"result":["Kettle costs $19.99"],"shouldNotify":true,"notificationReason":"price dropped"}`),
			ShouldNotify:       &yes,
			NotificationReason: "price dropped",
		},
		{
			ID:         "r2",
			Status:     db.RunStatusFailed,
			Trigger:    db.TriggerManual,
			StartedAt:  base.Add(time.Hour),
			FinishedAt: finished(base.Add(time.Hour), time.Second),
			ErrorMsg:   "provider unavailable",
		},
		{
			ID:        "r3",
			Status:    db.RunStatusRunning,
			Trigger:   db.TriggerManual,
			StartedAt: base.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, RenderRuns(&buf, testTask(), runs, Options{Style: "notty"}))
	out := buf.String()

	assert.Contains(t, out, "Kettle costs $19.99")
	assert.Contains(t, out, "price dropped")
	assert.Contains(t, out, "Error: provider unavailable")
	assert.Contains(t, out, "(42s)")

	running := strings.Index(out, "● RUNNING")
	failed := strings.Index(out, "✗ FAILED")
	success := strings.Index(out, "✓ SUCCESS")
	require.True(t, running >= 0 && failed >= 0 && success >= 0, out)
	assert.Less(t, running, failed, "running runs come first")
	assert.Less(t, failed, success, "then newest first")
}

func TestRenderRunsRawOutputAndLogs(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	runs := []*db.Run{{
		ID:         "r1",
		Status:     db.RunStatusSuccess,
		StartedAt:  base,
		FinishedAt: finished(base, time.Second),
		Output:     []byte(`{"title":"Blue kettle"}`),
		Logs:       "step 1: opened page\nstep 2: read price",
	}}

	var buf bytes.Buffer
	require.NoError(t, RenderRuns(&buf, testTask(), runs, Options{Style: "notty", Logs: true}))
	out := buf.String()

	assert.Contains(t, out, "Blue kettle")
	assert.Contains(t, out, "step 2: read price")

	buf.Reset()
	require.NoError(t, RenderRuns(&buf, testTask(), runs, Options{Style: "notty"}))
	assert.NotContains(t, buf.String(), "step 2: read price")
}

func TestOutputMarkdown(t *testing.T) {
	assert.Empty(t, outputMarkdown(&db.Run{}))
	assert.Equal(t, "- a\n- b\n", outputMarkdown(&db.Run{Output: []byte(`{"result":["a","b"]}`)}))
	assert.Equal(t, "```\nnot json\n```\n", outputMarkdown(&db.Run{Output: []byte("not json")}))
	assert.True(t, strings.HasPrefix(outputMarkdown(&db.Run{Output: []byte(`[1,2]`)}), "```json\n"))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "in 5m", formatTime(time.Now().Add(5*time.Minute+10*time.Second)))
	assert.Contains(t, formatTime(time.Now().Add(3*time.Hour+time.Minute)), "in 3h")
}
