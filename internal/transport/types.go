package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ChatTarget addresses a chat either by numeric id or by public @username.
type ChatTarget struct {
	ChatID   int64
	Username string // without '@'; used only when ChatID is 0
	ThreadID int    // forum topic thread id (0 if none)
}

// Key identifies the destination for rate limiting and dedup purposes.
// Thread ids are part of the key: two topics of one forum are distinct
// destinations for dedup, while the bot API still limits them per chat.
func (t ChatTarget) Key() string {
	base := t.Chat()
	if t.ThreadID != 0 {
		return base + "#" + strconv.Itoa(t.ThreadID)
	}
	return base
}

// Chat returns the chat part of the key, ignoring the thread.
func (t ChatTarget) Chat() string {
	if t.ChatID != 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return "@" + strings.ToLower(t.Username)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

func (t ChatTarget) String() string { return t.Key() }

var ErrInvalidTarget = errors.New("invalid chat target")

// ParseChatTarget accepts "-100123", "123" or "@name".
func ParseChatTarget(s string, threadID int) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if threadID < 0 {
		return ChatTarget{}, fmt.Errorf("%w: negative thread id %d", ErrInvalidTarget, threadID)
	}
	if strings.HasPrefix(s, "@") {
		name := strings.TrimPrefix(s, "@")
		if !validUsername(name) {
			return ChatTarget{}, fmt.Errorf("%w: bad username %q", ErrInvalidTarget, s)
		}
		return ChatTarget{Username: name, ThreadID: threadID}, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q is neither a chat id nor @username", ErrInvalidTarget, s)
	}
	return ChatTarget{ChatID: id, ThreadID: threadID}, nil
}

func validUsername(s string) bool {
	if len(s) < 4 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

type MessageRef struct {
	Chat      string
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media is an upload ready to be posted as a single message.
type Media struct {
	Kind     MediaKind
	Data     []byte
	FileName string
	MIME     string
	Caption  string
}

// Sender posts outbound messages. Implementations never retry on their own.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media, opt *SendOptions) (MessageRef, error)
}
