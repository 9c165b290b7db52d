package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// WebhookCredentials identifies one executable webhook.
type WebhookCredentials struct {
	ID    string
	Token string
}

// EnsureWebhook returns the channel's webhook with the given name, creating it when absent.
// Webhooks created by other bots are left alone.
func (c *Client) EnsureWebhook(ctx context.Context, channelID, name string) (*WebhookCredentials, error) {
	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for _, h := range hooks {
		if h.Name == name && h.Token != "" {
			return &WebhookCredentials{ID: h.ID, Token: h.Token}, nil
		}
	}

	hook, err := c.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	c.log.Info().Str("channel", channelID).Str("webhook", hook.ID).Msg("Created bridge webhook")
	return &WebhookCredentials{ID: hook.ID, Token: hook.Token}, nil
}

// WebhookSend executes a webhook with wait=true so the created message id comes back for
// pairing. Mention parsing is disabled; relayed text must never ping through the bridge.
func (c *Client) WebhookSend(ctx context.Context, creds WebhookCredentials, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	if params.AllowedMentions == nil {
		params.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	msg, err := c.session.WebhookExecute(creds.ID, creds.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("execute webhook: %w", err)
	}
	return msg, nil
}

// WebhookEdit replaces the content of a message the webhook produced.
func (c *Client) WebhookEdit(ctx context.Context, creds WebhookCredentials, messageID, content string) error {
	edit := &discordgo.WebhookEdit{Content: &content}
	if _, err := c.session.WebhookMessageEdit(creds.ID, creds.Token, messageID, edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit webhook message: %w", err)
	}
	return nil
}

// WebhookDelete removes a message the webhook produced. A 404 means the message is already
// gone, which is the outcome we wanted.
func (c *Client) WebhookDelete(ctx context.Context, creds WebhookCredentials, messageID string) error {
	err := c.session.WebhookMessageDelete(creds.ID, creds.Token, messageID, discordgo.WithContext(ctx))
	if err != nil && !notFound(err) {
		return fmt.Errorf("delete webhook message: %w", err)
	}
	return nil
}
