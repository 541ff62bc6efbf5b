package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tgrelay/internal/content"
	logx "tgrelay/pkg/logx"
)

const (
	defaultFetchLimit   = 100
	defaultFetchTimeout = 60 * time.Second
	defaultFallback     = 24 * time.Hour
)

type Config struct {
	FetchLimit   int
	FetchTimeout time.Duration // bounds one whole Fetch including downloads
	// FallbackWindow limits the first fetch of a channel without a cursor
	// to recent messages. Zero means the default; negative disables it.
	FallbackWindow time.Duration
}

type Reader struct {
	client Client
	cfg    Config
	log    logx.Logger
	now    func() time.Time
}

func NewReader(client Client, cfg Config, log logx.Logger) *Reader {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.FallbackWindow == 0 {
		cfg.FallbackWindow = defaultFallback
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{client: client, cfg: cfg, log: log.With(logx.String("comp", "source")), now: time.Now}
}

// Verify resolves a channel without reading history.
func (r *Reader) Verify(ctx context.Context, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	return classify("resolve "+channel, r.client.Resolve(ctx, channel))
}

// Fetch returns items newer than cursor, oldest first, and the highest
// message id seen. The returned cursor may exceed the last item when
// messages were filtered out (fallback window, empty posts); it never
// goes below cursor.
//
// A failed download stops the batch just before that item so the next
// fetch tries it again. Media the collaborator reports as ErrMediaGone is
// skipped for good.
func (r *Reader) Fetch(ctx context.Context, channel string, cursor int64) ([]content.Item, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	msgs, err := r.client.History(ctx, channel, cursor, r.cfg.FetchLimit)
	if err != nil {
		return nil, cursor, classify("history "+channel, err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	var cutoff time.Time
	if cursor == 0 && r.cfg.FallbackWindow > 0 {
		cutoff = r.now().Add(-r.cfg.FallbackWindow)
	}

	next := cursor
	items := make([]content.Item, 0, len(msgs))
	for _, m := range msgs {
		if m.ID <= next {
			continue
		}
		if !cutoff.IsZero() && !m.Date.IsZero() && m.Date.Before(cutoff) {
			next = m.ID
			continue
		}
		it, ok, err := r.build(ctx, channel, m)
		if errors.Is(err, ErrMediaGone) {
			r.log.Warn("item skipped",
				logx.String("channel", channel),
				logx.Int64("msg_id", m.ID),
				logx.String("reason", "media_unavailable"),
				logx.Err(err))
			next = m.ID
			continue
		}
		if err != nil {
			// Later items stay unread until this one downloads.
			r.log.Warn("media download failed",
				logx.String("channel", channel),
				logx.Int64("msg_id", m.ID),
				logx.String("reason", "download"),
				logx.Err(err))
			if len(items) == 0 {
				return nil, cursor, classify("download "+channel, err)
			}
			return items, next, nil
		}
		if !ok {
			r.log.Debug("message has nothing to relay",
				logx.String("channel", channel),
				logx.Int64("msg_id", m.ID))
			next = m.ID
			continue
		}
		items = append(items, it)
		next = m.ID
	}
	return items, next, nil
}

func (r *Reader) build(ctx context.Context, channel string, m Message) (content.Item, bool, error) {
	p := content.Payload{Kind: m.Kind, Caption: m.Text, FileName: m.FileName, MIME: m.MIME}
	switch {
	case m.Kind == content.KindText || m.Kind == "":
		if m.Text == "" {
			return content.Item{}, false, nil
		}
		p.Kind = content.KindText
	case m.Kind.IsMedia():
		data, err := r.client.Download(ctx, channel, m)
		if err != nil {
			return content.Item{}, false, err
		}
		if len(data) == 0 {
			return content.Item{}, false, fmt.Errorf("empty media for message %d", m.ID)
		}
		p.Data = data
	default:
		// unknown kinds still reach the processor, which rejects them with a log line
	}
	return content.Item{
		Channel:     channel,
		MessageID:   m.ID,
		GroupID:     m.GroupID,
		Date:        m.Date,
		Payload:     p,
		Fingerprint: content.Compute(p),
	}, true, nil
}
