package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"tgrelay/internal/janitor"
	"tgrelay/internal/media"
	"tgrelay/internal/relay"
	"tgrelay/internal/source"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

// Error marks a configuration problem. The process treats it as fatal at
// startup and exits with a distinct code.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(path, format string, args ...any) *Error {
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err carries an *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

const (
	DefaultRetentionDays = 30
	DefaultMaxRetry      = 5
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultAlertAfter    = 3
	DefaultFallbackHours = 24.0
	DefaultSendTimeout   = 30 * time.Second
	DefaultFetchTimeout  = 60 * time.Second
	DefaultAlertWindow   = 10 * time.Minute
	DefaultStoragePath   = "data/tgrelay.db"
	DefaultSessionPath   = "data/session.json"

	AmbiguousAssumeSent = "assume_sent"
	AmbiguousRetry      = "retry"
)

func (c *Config) RetentionDays() int {
	if c.DedupRetentionDays == nil {
		return DefaultRetentionDays
	}
	return *c.DedupRetentionDays
}

func (c *Config) MaxRetries() int {
	if c.MaxRetryAttempts == nil {
		return DefaultMaxRetry
	}
	return *c.MaxRetryAttempts
}

func (c *Config) BackoffBase() time.Duration {
	if c.BackoffBaseSeconds <= 0 {
		return DefaultBackoffBase
	}
	return seconds(c.BackoffBaseSeconds)
}

func (c *Config) BackoffMax() time.Duration {
	if c.BackoffMaxSeconds <= 0 {
		return max(DefaultBackoffMax, c.BackoffBase())
	}
	return seconds(c.BackoffMaxSeconds)
}

func (c *Config) AmbiguousRetry() bool {
	return strings.EqualFold(strings.TrimSpace(c.AmbiguousDelivery), AmbiguousRetry)
}

func (c *Config) AlertAfter() int {
	if c.AlertAfterFailures <= 0 {
		return DefaultAlertAfter
	}
	return c.AlertAfterFailures
}

// FallbackWindow maps fallback_hours onto the reader setting: omitted means
// the default, 0 disables the window.
func (r ReaderConfig) FallbackWindow() time.Duration {
	if r.FallbackHours == nil {
		return time.Duration(DefaultFallbackHours * float64(time.Hour))
	}
	if *r.FallbackHours == 0 {
		return -1
	}
	return time.Duration(*r.FallbackHours * float64(time.Hour))
}

func (r ReaderConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(r.Driver))
	if d == "" {
		return "mtproto"
	}
	return d
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// Validate checks every field and reports all problems at once. Each
// problem is an *Error.
func Validate(c *Config) error {
	if c == nil {
		return &Error{Err: errors.New("config is nil")}
	}
	var errs []error
	add := func(e *Error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	if len(c.SourceChannels) == 0 {
		add(errorf("source_channels", "at least one channel is required"))
	}
	seen := map[string]int{}
	for i, ch := range c.SourceChannels {
		p := fmt.Sprintf("source_channels[%d]", i)
		id := source.NormalizeChannel(ch.ID)
		if id == "" {
			add(errorf(p+".id", "required"))
		} else if j, dup := seen[id]; dup {
			add(errorf(p+".id", "duplicate of source_channels[%d]", j))
		} else {
			seen[id] = i
		}
		if ch.ThreadID < 0 {
			add(errorf(p+".thread_id", "must be >= 0"))
		}
		if _, err := transport.ParseChatTarget(ch.Destination, ch.ThreadID); err != nil {
			add(&Error{Path: p + ".destination", Err: err})
		}
		if _, err := relay.ParseSchedule(ch.PollInterval); err != nil {
			add(&Error{Path: p + ".poll_interval", Err: err})
		}
	}

	if c.DedupRetentionDays != nil && *c.DedupRetentionDays < 0 {
		add(errorf("dedup_retention_days", "must be >= 0"))
	}
	if c.MaxRetryAttempts != nil && *c.MaxRetryAttempts < 0 {
		add(errorf("max_retry_attempts", "must be >= 0"))
	}
	if c.BackoffBaseSeconds < 0 {
		add(errorf("backoff_base_seconds", "must be >= 0"))
	}
	if c.BackoffMaxSeconds < 0 {
		add(errorf("backoff_max_seconds", "must be >= 0"))
	} else if c.BackoffMaxSeconds > 0 && c.BackoffMax() < c.BackoffBase() {
		add(errorf("backoff_max_seconds", "must be >= backoff_base_seconds"))
	}
	if c.AlertAfterFailures < 0 {
		add(errorf("alert_after_failures", "must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.AmbiguousDelivery)) {
	case "", AmbiguousAssumeSent, AmbiguousRetry:
	default:
		add(errorf("ambiguous_delivery", "must be %q or %q", AmbiguousAssumeSent, AmbiguousRetry))
	}

	if w := c.Watermark; w != nil {
		if strings.TrimSpace(w.Image) == "" {
			add(errorf("watermark.image", "required"))
		}
		if _, err := media.ParsePosition(w.Position); err != nil {
			add(&Error{Path: "watermark.position", Err: err})
		}
		if w.Opacity < 0 || w.Opacity > 1 {
			add(errorf("watermark.opacity", "must be within [0,1]"))
		}
	}

	validateReader(c.Reader, add)

	if strings.TrimSpace(c.Bot.Token) == "" {
		add(errorf("bot.token", "required"))
	}
	add(durationErr("bot.send_timeout", c.Bot.SendTimeout))
	if c.Bot.RatePerSec < 0 {
		add(errorf("bot.rate_per_sec", "must be >= 0"))
	}
	if c.Bot.Burst < 0 {
		add(errorf("bot.burst", "must be >= 0"))
	}

	m := c.Media
	if m.JPEGQuality < 0 || m.JPEGQuality > 100 {
		add(errorf("media.jpeg_quality", "must be within [1,100]"))
	}
	if m.MaxDimension < 0 || m.MaxPhotoBytes < 0 || m.MaxFileBytes < 0 || m.MaxCaption < 0 {
		add(errorf("media", "limits must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		add(errorf("storage.driver", "unknown driver %q (sqlite, file)", c.Storage.Driver))
	}
	add(durationErr("storage.busy_timeout", c.Storage.BusyTimeout))

	if strings.TrimSpace(c.Prune.Schedule) != "" {
		if _, err := janitor.ParseSchedule(c.Prune.Schedule); err != nil {
			add(&Error{Path: "prune.schedule", Err: err})
		}
	}
	add(durationErr("prune.timeout", c.Prune.Timeout))

	l := c.Logging
	if l.Level != "" && !logx.ValidLevel(l.Level) {
		add(errorf("logging.level", "unknown level %q", l.Level))
	}
	if l.File.Enabled && strings.TrimSpace(l.File.Path) == "" {
		add(errorf("logging.file.path", "required when file logging is enabled"))
	}
	if l.Telegram.Enabled {
		if _, err := transport.ParseChatTarget(l.Telegram.ChatID, l.Telegram.ThreadID); err != nil {
			add(&Error{Path: "logging.telegram.chat_id", Err: err})
		}
	}
	if l.Telegram.MinLevel != "" && !logx.ValidLevel(l.Telegram.MinLevel) {
		add(errorf("logging.telegram.min_level", "unknown level %q", l.Telegram.MinLevel))
	}

	if c.Alerts.Enabled {
		if _, err := transport.ParseChatTarget(c.Alerts.ChatID, c.Alerts.ThreadID); err != nil {
			add(&Error{Path: "alerts.chat_id", Err: err})
		}
	}
	if c.Alerts.RatePerSec < 0 {
		add(errorf("alerts.rate_per_sec", "must be >= 0"))
	}
	add(durationErr("alerts.dedup_window", c.Alerts.DedupWindow))

	if a := strings.TrimSpace(c.Ops.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			add(&Error{Path: "ops.addr", Err: err})
		}
	}

	return errors.Join(errs...)
}

func validateReader(r ReaderConfig, add func(*Error)) {
	switch r.DriverName() {
	case "mtproto":
		if r.APIID <= 0 {
			add(errorf("reader.api_id", "required for the mtproto driver"))
		}
		if strings.TrimSpace(r.APIHash) == "" {
			add(errorf("reader.api_hash", "required for the mtproto driver"))
		}
	case "webpreview":
	default:
		add(errorf("reader.driver", "unknown driver %q (mtproto, webpreview)", r.Driver))
	}
	if r.FetchLimit < 0 || r.FetchLimit > 100 {
		add(errorf("reader.fetch_limit", "must be within [1,100]"))
	}
	if r.FallbackHours != nil && *r.FallbackHours < 0 {
		add(errorf("reader.fallback_hours", "must be >= 0"))
	}
	if r.MaxMediaBytes < 0 {
		add(errorf("reader.max_media_bytes", "must be >= 0"))
	}
	add(durationErr("reader.fetch_timeout", r.FetchTimeout))
}

func durationErr(path, raw string) *Error {
	if _, err := ParseDurationField(path, raw); err != nil {
		return &Error{Err: err}
	}
	return nil
}
