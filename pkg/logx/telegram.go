package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tgrelay/internal/transport"
)

const telegramMaxLen = 3500

// telegramSink is a zerolog.LevelWriter that queues formatted lines for
// an operator chat. It never blocks the logging call site.
type telegramSink struct {
	sender transport.Sender
	queue  chan string

	mu       sync.Mutex
	target   transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
}

func newTelegramSink(sender transport.Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan string, 256)}
}

func (t *telegramSink) configure(to transport.ChatTarget, min zerolog.Level, lim *rate.Limiter) {
	t.mu.Lock()
	t.target = to
	t.minLevel = min
	t.limiter = lim
	t.mu.Unlock()
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.Lock()
			to := t.target
			t.mu.Unlock()
			if to.IsZero() {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = t.sender.SendText(sctx, to, msg, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	min, lim, to := t.minLevel, t.limiter, t.target
	t.mu.Unlock()

	if to.IsZero() || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatTelegramLine renders one zerolog JSON line as
//
//	[WARN] message
//	- key=value
//
// with keys sorted so repeated alerts look the same.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, 900))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, 600))
	}
	return truncate(b.String(), telegramMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
