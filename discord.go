package tweetwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DiscordSender posts notifications to a Discord channel webhook. The
// message destination is ignored; the webhook decides where it lands.
type DiscordSender struct {
	WebhookURL string

	// Title is shown above each embed, e.g. "New tweet from @account".
	Title string

	client *http.Client
	log    *zap.SugaredLogger
}

// DiscordOption configures a DiscordSender.
type DiscordOption func(*DiscordSender)

// WithDiscordLogger sets the logger used by the sender.
func WithDiscordLogger(logger *zap.SugaredLogger) DiscordOption {
	return func(ds *DiscordSender) {
		ds.log = logger
	}
}

// WithDiscordHTTPClient sets the client used to call the webhook.
func WithDiscordHTTPClient(c *http.Client) DiscordOption {
	return func(ds *DiscordSender) {
		ds.client = c
	}
}

// NewDiscordSender returns a sender posting to webhookURL.
func NewDiscordSender(webhookURL, title string, options ...DiscordOption) (*DiscordSender, error) {
	if webhookURL == "" {
		return nil, errors.New("Discord webhook URL is required")
	}
	ds := &DiscordSender{
		WebhookURL: webhookURL,
		Title:      title,
		client:     initHTTPClient(20 * time.Second),
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(ds)
	}
	return ds, nil
}

const (
	discordEmbedColor   = 3447003
	discordMaxEmbedText = 1500
)

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

// Send posts msg.Body as an embed.
func (ds *DiscordSender) Send(ctx context.Context, msg Message) error {
	desc := []rune(msg.Body)
	body := string(desc)
	if len(desc) > discordMaxEmbedText {
		body = string(desc[:discordMaxEmbedText]) + "..."
	}
	payload, err := json.Marshal(discordPayload{
		Content: ds.Title,
		Embeds: []discordEmbed{{
			Title:       ds.Title,
			Description: body,
			Color:       discordEmbedColor,
		}},
	})
	if err != nil {
		return errors.Wrap(err, "error encoding Discord payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ds.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := ds.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error reaching Discord webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Discord webhook returned %s: %s", resp.Status, bodySnippet(resp.Body))
	}
	ds.log.Infow("sent Discord notification", "status", resp.StatusCode)
	return nil
}
