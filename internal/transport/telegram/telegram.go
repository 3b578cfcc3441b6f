// Package telegram delivers reminders and operator log lines through a
// Telegram bot. It only sends; the bot does not poll for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"arvcare/internal/notifier"
	"arvcare/pkg/logx"
)

var ErrNoChat = errors.New("telegram: recipient has no chat id")

const textLimit = 4000

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Channel sends notifications as plain-text Telegram messages.
type Channel struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Channel{bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Deliver sends n to the patient's chat. Errors Telegram will keep returning
// (blocked bot, unknown chat) are marked permanent.
func (c *Channel) Deliver(ctx context.Context, n notifier.Notification) error {
	if n.Recipient.ChatID == 0 {
		return notifier.Permanent(ErrNoChat)
	}
	text := prefixForPriority(n.Priority) + n.Text
	if n.Subject != "" {
		text = prefixForPriority(n.Priority) + n.Subject + "\n\n" + n.Text
	}
	return classify(c.send(ctx, n.Recipient.ChatID, 0, text))
}

// SendChatText implements logx.Sender for the operator log sink.
func (c *Channel) SendChatText(ctx context.Context, chatID int64, threadID int, text string) error {
	return c.send(ctx, chatID, threadID, text)
}

func (c *Channel) send(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
		if _, err := c.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return notifier.Permanent(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden) {
		return notifier.Permanent(err)
	}
	return err
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "💊 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "📅 "
	default:
		return ""
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
