// Package source reads new messages from Telegram channels.
//
// A Reader turns a Client's raw history into content.Items ordered oldest
// first, strictly newer than the caller's cursor, with media downloaded.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"tgrelay/internal/content"
)

var (
	// ErrSourceUnavailable is retryable: network, timeout, flood wait, auth.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceNotFound is permanent: the channel does not exist or is private.
	ErrSourceNotFound = errors.New("source not found")
	// ErrAuth marks a rejected or missing session. Readers wrap it in
	// ErrSourceUnavailable at runtime; startup treats it as fatal.
	ErrAuth = errors.New("source authorization failed")
	// ErrMediaGone means a message's media can never be downloaded.
	ErrMediaGone = errors.New("media not available")
)

// Message is a channel post as the collaborator sees it. Ref is opaque to
// this package and handed back to Client.Download.
type Message struct {
	ID       int64
	Date     time.Time
	GroupID  int64
	Text     string
	Kind     content.Kind
	FileName string
	MIME     string
	Size     int64
	Ref      any
}

// Client is the channel-read collaborator. Implementations must honour ctx.
type Client interface {
	// Resolve checks that channel exists and is readable.
	Resolve(ctx context.Context, channel string) error
	// History returns up to limit messages with ID > afterID, preferring
	// the oldest ones. Order is unspecified.
	History(ctx context.Context, channel string, afterID int64, limit int) ([]Message, error)
	// Download fetches the media of m.
	Download(ctx context.Context, channel string, m Message) ([]byte, error)
}

// NormalizeChannel maps "@Name", "name", "t.me/name" and
// "https://t.me/name" to "@name", and leaves numeric ids untouched.
func NormalizeChannel(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"https://", "http://", "t.me/", "telegram.me/", "s/"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s
	}
	return "@" + strings.ToLower(strings.TrimPrefix(s, "@"))
}

// ChannelID parses a numeric channel reference. Bot-API style ids
// ("-100123") are converted to the bare MTProto id.
func ChannelID(channel string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
	if err != nil {
		return 0, false
	}
	if id < 0 {
		s := strconv.FormatInt(-id, 10)
		if strings.HasPrefix(s, "100") && len(s) > 3 {
			id, _ = strconv.ParseInt(s[3:], 10, 64)
		} else {
			id = -id
		}
	}
	return id, id > 0
}

// classify maps collaborator errors onto the two reader sentinels.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, ErrSourceUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: timeout: %w", op, ErrSourceUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSourceUnavailable, err)
}

// IsAuth reports whether err carries ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// Unavailable wraps err as a retryable reader failure. Collaborators use
// it to attach details (like flood wait) to the sentinel.
func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSourceUnavailable, fmt.Sprintf(format, args...))
}

// NotFound wraps a permanent channel lookup failure.
func NotFound(channel string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, channel)
	}
	return fmt.Errorf("%w: %s: %v", ErrSourceNotFound, channel, cause)
}
