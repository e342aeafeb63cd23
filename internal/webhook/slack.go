package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// Slack posts Block Kit messages to a Slack incoming webhook
type Slack struct {
	client *http.Client
	url    string
}

// NewSlack creates a sender for one webhook URL
func NewSlack(url string) *Slack {
	return &Slack{
		client: &http.Client{Timeout: defaultTimeout},
		url:    url,
	}
}

// Send posts the run result with a colored sidebar
func (s *Slack) Send(ctx context.Context, msg Message) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, slackMessage(msg)); err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	return nil
}

func slackMessage(msg Message) *slack.WebhookMessage {
	color, statusEmoji, statusText := "#FF0000", ":x:", "Failed"
	if msg.succeeded() {
		color, statusEmoji, statusText = "#00FF00", ":white_check_mark:", "Succeeded"
	}

	output := convertToSlackMarkdown(msg.outputText())
	output = truncate(output, 2500, "\n... _(truncated)_")
	if output == "" {
		output = "_No output_"
	}

	mrkdwn := func(text string) *slack.TextBlockObject {
		return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, fmt.Sprintf("%s Task: %s", statusEmoji, msg.TaskName), true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			mrkdwn(fmt.Sprintf("*Status:*\n%s", statusText)),
			mrkdwn(fmt.Sprintf("*Duration:*\n%s", msg.durationText())),
			mrkdwn(fmt.Sprintf("*Run:*\n`%s`", msg.RunID)),
		}, nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(mrkdwn(output), nil, nil),
	}

	if msg.Reason != "" {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(fmt.Sprintf(":bell: *Why you're notified:*\n%s", msg.Reason)), nil, nil))
	}
	if msg.Error != "" {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(fmt.Sprintf(":warning: *Error:*\n```%s```", truncate(msg.Error, 500, "..."))), nil, nil))
	}
	blocks = append(blocks, slack.NewContextBlock("", mrkdwn("Browser Tasks")))

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("Task %s %s", msg.TaskName, strings.ToLower(statusText)),
		Attachments: []slack.Attachment{
			{
				Color:  color,
				Blocks: slack.Blocks{BlockSet: blocks},
			},
		},
	}
}

// convertToSlackMarkdown converts standard markdown to Slack's mrkdwn format
func convertToSlackMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
		}
		if inCodeBlock {
			continue
		}
		for strings.Contains(line, "**") {
			line = strings.Replace(line, "**", "*", 2)
		}
		line = slackLinks(line)
		// no headers in mrkdwn
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "#") {
			line = "*" + strings.TrimLeft(trimmed, "# ") + "*"
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// slackLinks rewrites [text](url) as <url|text>
func slackLinks(line string) string {
	for {
		start := strings.Index(line, "[")
		if start == -1 {
			return line
		}
		end := strings.Index(line[start:], "](")
		if end == -1 {
			return line
		}
		end += start
		urlEnd := strings.Index(line[end+2:], ")")
		if urlEnd == -1 {
			return line
		}
		urlEnd += end + 2
		line = line[:start] + fmt.Sprintf("<%s|%s>", line[end+2:urlEnd], line[start+1:end]) + line[urlEnd+1:]
	}
}
