package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord posts embeds to a Discord webhook URL
type Discord struct {
	client *http.Client
	url    string
}

// NewDiscord creates a sender for one webhook URL
func NewDiscord(url string) *Discord {
	return &Discord{
		client: &http.Client{Timeout: defaultTimeout},
		url:    url,
	}
}

// Send posts the run result as an embed
func (d *Discord) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, d.client, d.url, discordPayload(msg), nil)
}

func discordPayload(msg Message) *discordgo.WebhookParams {
	color, statusEmoji := 0xFF0000, "❌"
	if msg.succeeded() {
		color, statusEmoji = 0x00FF00, "✅"
	}

	// embed descriptions are capped at 4096 characters
	output := truncate(msg.outputText(), 3500, "\n\n*... (truncated)*")
	if output == "" {
		output = "*No output*"
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s Task: %s", statusEmoji, msg.TaskName),
		Description: output,
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: string(msg.Status), Inline: true},
			{Name: "Duration", Value: msg.durationText(), Inline: true},
			{Name: "Run", Value: fmt.Sprintf("`%s`", msg.RunID), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "Browser Tasks"},
	}
	if msg.Reason != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Why you're notified", Value: truncate(msg.Reason, 1000, "...")})
	}
	if msg.Error != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "⚠️ Error",
			Value: fmt.Sprintf("```\n%s\n```", truncate(msg.Error, 500, "...")),
		})
	}

	return &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}
}
