package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/kylemclaren/browser-tasks/internal/config"
)

// Email sends notifications through an HTTP mail API (Resend-compatible)
type Email struct {
	client *http.Client
	apiURL string
	apiKey string
	from   string
	appURL string
}

// NewEmail creates an email sender
func NewEmail(cfg config.NotifyConfig) *Email {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Email{
		client: &http.Client{Timeout: timeout},
		apiURL: cfg.EmailAPIURL,
		apiKey: cfg.EmailAPIKey,
		from:   cfg.EmailFrom,
		appURL: strings.TrimRight(cfg.AppURL, "/"),
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

var emailTemplate = template.Must(template.New("email").Parse(`<h2>{{.Icon}} {{.TaskName}}</h2>
<p>Your task run <strong>{{.Status}}</strong> in {{.Duration}}.</p>
{{if .Reason}}<p><em>Why you're notified:</em> {{.Reason}}</p>{{end}}
{{if .Output}}<pre>{{.Output}}</pre>{{end}}
{{if .Error}}<p style="color:#b00">Error: {{.Error}}</p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">View run</a></p>{{end}}`))

// Send delivers the message to msg.To
func (e *Email) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("email: no recipient")
	}
	if e.apiKey == "" {
		return errors.New("email: api key not configured")
	}

	icon, verb := "❌", "failed"
	if msg.succeeded() {
		icon, verb = "✅", "succeeded"
	}
	link := ""
	if e.appURL != "" {
		link = fmt.Sprintf("%s/tasks/%s", e.appURL, msg.TaskID)
	}

	var html bytes.Buffer
	err := emailTemplate.Execute(&html, map[string]string{
		"Icon":     icon,
		"TaskName": msg.TaskName,
		"Status":   verb,
		"Duration": msg.durationText(),
		"Reason":   msg.Reason,
		"Output":   msg.outputText(),
		"Error":    msg.Error,
		"Link":     link,
	})
	if err != nil {
		return fmt.Errorf("email: rendering body: %w", err)
	}

	text := fmt.Sprintf("Task %q %s in %s.", msg.TaskName, verb, msg.durationText())
	if msg.Reason != "" {
		text += "\n\nWhy you're notified: " + msg.Reason
	}
	if out := msg.outputText(); out != "" {
		text += "\n\n" + out
	}
	if msg.Error != "" {
		text += "\n\nError: " + msg.Error
	}
	if link != "" {
		text += "\n\n" + link
	}

	req := emailRequest{
		From:    e.from,
		To:      []string{msg.To},
		Subject: fmt.Sprintf("%s Task %q %s", icon, msg.TaskName, verb),
		HTML:    html.String(),
		Text:    text,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.apiKey)
	if err := postJSON(ctx, e.client, e.apiURL, req, header); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}
