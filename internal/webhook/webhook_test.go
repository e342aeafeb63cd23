package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/db"
)

func testMessage() Message {
	return Message{
		To:       "me@example.com",
		TaskName: "Price watch",
		TaskID:   "task1",
		Status:   db.RunStatusSuccess,
		RunID:    "run1",
		UserID:   "u1",
		Output:   json.RawMessage(`{"result":["price dropped to $10"]}`),
		Duration: 12 * time.Second,
		Reason:   "price is under $20",
	}
}

func capture(t *testing.T, status int) (*httptest.Server, *[]byte, *http.Header) {
	t.Helper()
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &header
}

func TestEmailSend(t *testing.T) {
	srv, body, header := capture(t, http.StatusOK)
	cfg := config.Default().Notify
	cfg.EmailAPIURL = srv.URL
	cfg.EmailAPIKey = "re_key"
	cfg.AppURL = "https://tasks.example.com/"

	require.NoError(t, NewEmail(cfg).Send(context.Background(), testMessage()))

	assert.Equal(t, "Bearer re_key", header.Get("Authorization"))
	var req emailRequest
	require.NoError(t, json.Unmarshal(*body, &req))
	assert.Equal(t, []string{"me@example.com"}, req.To)
	assert.Contains(t, req.Subject, "Price watch")
	assert.Contains(t, req.HTML, "price dropped to $10")
	assert.Contains(t, req.HTML, "https://tasks.example.com/tasks/task1")
	assert.Contains(t, req.Text, "price is under $20")
}

func TestEmailRequiresRecipientAndKey(t *testing.T) {
	e := NewEmail(config.NotifyConfig{EmailAPIURL: "http://unused", EmailAPIKey: "k"})
	msg := testMessage()
	msg.To = ""
	assert.Error(t, e.Send(context.Background(), msg))

	e = NewEmail(config.NotifyConfig{EmailAPIURL: "http://unused"})
	assert.Error(t, e.Send(context.Background(), testMessage()))
}

func TestEmailEscapesHTML(t *testing.T) {
	srv, body, _ := capture(t, http.StatusOK)
	msg := testMessage()
	msg.TaskName = "<script>alert(1)</script>"
	require.NoError(t, NewEmail(config.NotifyConfig{EmailAPIURL: srv.URL, EmailAPIKey: "k"}).Send(context.Background(), msg))

	var req emailRequest
	require.NoError(t, json.Unmarshal(*body, &req))
	assert.NotContains(t, req.HTML, "<script>")
}

func TestSlackSend(t *testing.T) {
	srv, body, _ := capture(t, http.StatusOK)
	msg := testMessage()
	msg.Status = db.RunStatusFailed
	msg.Error = "timed out"

	require.NoError(t, NewSlack(srv.URL).Send(context.Background(), msg))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(*body, &payload))
	attachments := payload["attachments"].([]any)
	require.Len(t, attachments, 1)
	assert.Equal(t, "#FF0000", attachments[0].(map[string]any)["color"])
	assert.Contains(t, string(*body), "timed out")
}

func TestSlackNon2xx(t *testing.T) {
	srv, _, _ := capture(t, http.StatusForbidden)
	assert.Error(t, NewSlack(srv.URL).Send(context.Background(), testMessage()))
}

func TestDiscordSend(t *testing.T) {
	srv, body, _ := capture(t, http.StatusNoContent)
	require.NoError(t, NewDiscord(srv.URL).Send(context.Background(), testMessage()))

	var payload struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(*body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, 0x00FF00, payload.Embeds[0].Color)
	assert.True(t, strings.HasPrefix(payload.Embeds[0].Title, "✅"))
	assert.Contains(t, payload.Embeds[0].Description, "price dropped")
}

func TestDiscordTruncatesLongOutput(t *testing.T) {
	msg := testMessage()
	msg.Output = json.RawMessage(`{"result":["` + strings.Repeat("x", 5000) + `"]}`)
	params := discordPayload(msg)
	assert.LessOrEqual(t, len(params.Embeds[0].Description), 4096)
}

func TestConvertToSlackMarkdown(t *testing.T) {
	in := "# Title\n**bold** and [link](https://x.io)\n```\n**kept**\n```"
	out := convertToSlackMarkdown(in)
	assert.Contains(t, out, "*Title*")
	assert.Contains(t, out, "*bold*")
	assert.Contains(t, out, "<https://x.io|link>")
	assert.Contains(t, out, "**kept**")
}

func TestSlackLinks(t *testing.T) {
	assert.Equal(t, "<https://a.io|a> and <https://b.io|b>", slackLinks("[a](https://a.io) and [b](https://b.io)"))
	assert.Equal(t, "[open](no close", slackLinks("[open](no close"))
	assert.Equal(t, "plain [bracket", slackLinks("plain [bracket"))
}
