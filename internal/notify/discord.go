package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"agon/internal/economy"

	"github.com/bwmarrin/discordgo"
)

const discordMaxContent = 2000

// DiscordSender posts to a channel webhook through discordgo.
type DiscordSender struct {
	session *discordgo.Session
	id      string
	token   string
}

func NewDiscordSender(webhookURL string) (*DiscordSender, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: session: %w", err)
	}
	return &DiscordSender{session: session, id: id, token: token}, nil
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: "Agon",
		Content:  discordContent(title, message),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string {
	return "discord"
}

func discordContent(title, message string) string {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if len(content) > discordMaxContent {
		content = economy.ClipText(content, discordMaxContent-3) + "..."
	}
	return content
}

// parseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("discord: bad webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhook url %q has no id/token", u.Redacted())
}
