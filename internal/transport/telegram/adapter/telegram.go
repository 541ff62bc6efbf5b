// Package adapter is the telebot-backed transport.Sender.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

// ErrUnauthorized means the bot token was rejected.
var ErrUnauthorized = errors.New("telegram bot token rejected")

type Config struct {
	Token   string
	APIURL  string        // empty means api.telegram.org
	Timeout time.Duration // HTTP timeout per request
	Offline bool          // skip getMe; used by tests and dry runs
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		if errors.Is(err, tele.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}
	if b.Me != nil && b.Me.Username != "" {
		a.log.Info("bot authorized", logx.String("bot", "@"+b.Me.Username))
	}
	return a, nil
}

// recipient addresses public chats by @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func to(t kit.ChatTarget) tele.Recipient {
	if t.ChatID != 0 {
		return tele.ChatID(t.ChatID)
	}
	return recipient("@" + t.Username)
}

// CheckChat verifies the bot can see the destination chat.
func (a *Adapter) CheckChat(ctx context.Context, t kit.ChatTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.ChatByUsername(to(t).Recipient())
	return err
}

const telegramTextLimit = 4096

// splitTelegramText splits long messages into chunks that are safe to send
// to Telegram, preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
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

func sendOptions(t kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              t.ThreadID,
	}
}

// SendText posts text, split into several messages when it is too long.
// The reference of the first message is returned.
func (a *Adapter) SendText(ctx context.Context, t kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(to(t), chunk, sendOptions(t, opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{Chat: t.Chat(), ThreadID: t.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia uploads one file as a single message.
func (a *Adapter) SendMedia(ctx context.Context, t kit.ChatTarget, m kit.Media, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	file := tele.FromReader(bytes.NewReader(m.Data))

	var what tele.Sendable
	switch m.Kind {
	case kit.MediaPhoto:
		what = &tele.Photo{File: file, Caption: m.Caption}
	case kit.MediaVideo:
		what = &tele.Video{File: file, Caption: m.Caption, FileName: m.FileName, MIME: m.MIME, Streaming: true}
	case kit.MediaDocument:
		what = &tele.Document{File: file, Caption: m.Caption, FileName: m.FileName, MIME: m.MIME}
	default:
		return kit.MessageRef{}, fmt.Errorf("unsupported media kind %q", m.Kind)
	}

	msg, err := a.bot.Send(to(t), what, sendOptions(t, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{Chat: t.Chat(), ThreadID: t.ThreadID, MessageID: msg.ID}, nil
}
