package tweetwatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Message is one outbound notification.
type Message struct {
	To   string
	Body string
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// LogSender only logs messages. It backs the "none" notification mode.
type LogSender struct {
	Log *zap.SugaredLogger
}

// Send logs msg.
func (ls LogSender) Send(_ context.Context, msg Message) error {
	if ls.Log != nil {
		ls.Log.Infow("notification skipped", "to", msg.To, "body", msg.Body)
	}
	return nil
}

const maxPreviewRunes = 100

// FormatMessage renders the notification text for a new post by account.
// Long posts are cut to a preview; the link leads to the full text.
func FormatMessage(account string, it Item) string {
	text := strings.TrimSpace(it.Text)
	if utf8.RuneCountInString(text) > maxPreviewRunes {
		text = string([]rune(text)[:maxPreviewRunes]) + "..."
	}
	return fmt.Sprintf("New tweet from @%s: %s\n%s", account, text, StatusURL(account, it.ID))
}

// StatusURL links to a post.
func StatusURL(account, id string) string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", account, id)
}
