package app

import (
	"fmt"
	"strings"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/janitor"
	"tgrelay/internal/media"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability/ops"
	"tgrelay/internal/relay"
	"tgrelay/internal/source"
	"tgrelay/internal/source/mtproto"
	"tgrelay/internal/source/webpreview"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/adapter"
	"tgrelay/pkg/logx"
)

// Mapping from the on-disk config to component configs. Validation has
// already run, so parse errors here only surface for configs built in code.

const (
	defaultBotRate     = 1.0
	defaultPruneWindow = 5 * time.Minute
	defaultBusyTimeout = time.Second
)

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	lc := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	if l.Telegram.Enabled {
		if t, err := transport.ParseChatTarget(l.Telegram.ChatID, l.Telegram.ThreadID); err == nil {
			lc.Telegram.Target = t
		} else {
			lc.Telegram.Enabled = false
		}
	}
	return lc
}

// relayStopBudget lets a send that started before shutdown run out its
// timeout and record its outcome before storage is closed.
func relayStopBudget(sendTimeout time.Duration) time.Duration {
	if sendTimeout <= 0 {
		sendTimeout = config.DefaultSendTimeout
	}
	return sendTimeout + relay.StoreTimeout + 5*time.Second
}

func adapterConfig(cfg *config.Config) (adapter.Config, error) {
	timeout, err := config.ParseDurationOrDefault("bot.send_timeout", cfg.Bot.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return adapter.Config{}, &config.Error{Err: err}
	}
	return adapter.Config{Token: cfg.Bot.Token, APIURL: cfg.Bot.APIURL, Timeout: timeout}, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, &config.Error{Err: err}
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		path = config.DefaultStoragePath
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}

// sourceClient builds the read collaborator. The mtproto client is also
// returned on its own because it needs a running connection.
func sourceClient(cfg *config.Config, log logx.Logger) (source.Client, *mtproto.Client, error) {
	r := cfg.Reader
	switch r.DriverName() {
	case "webpreview":
		timeout, err := config.ParseDurationOrDefault("reader.fetch_timeout", r.FetchTimeout, 0)
		if err != nil {
			return nil, nil, &config.Error{Err: err}
		}
		return webpreview.New(webpreview.Config{BaseURL: r.BaseURL, Timeout: timeout, MaxMedia: r.MaxMediaBytes}, log), nil, nil
	case "mtproto":
		session := strings.TrimSpace(r.SessionPath)
		if session == "" {
			session = config.DefaultSessionPath
		}
		mt, err := mtproto.New(mtproto.Config{
			AppID:       r.APIID,
			AppHash:     r.APIHash,
			SessionPath: session,
			MaxMedia:    r.MaxMediaBytes,
		}, log)
		if err != nil {
			return nil, nil, &config.Error{Path: "reader", Err: err}
		}
		return mt, mt, nil
	}
	return nil, nil, &config.Error{Path: "reader.driver", Err: fmt.Errorf("unknown driver %q", r.Driver)}
}

func readerConfig(cfg *config.Config) (source.Config, error) {
	timeout, err := config.ParseDurationOrDefault("reader.fetch_timeout", cfg.Reader.FetchTimeout, config.DefaultFetchTimeout)
	if err != nil {
		return source.Config{}, &config.Error{Err: err}
	}
	return source.Config{
		FetchLimit:     cfg.Reader.FetchLimit,
		FetchTimeout:   timeout,
		FallbackWindow: cfg.Reader.FallbackWindow(),
	}, nil
}

func mediaConfig(cfg *config.Config) (media.Config, error) {
	m := cfg.Media
	mc := media.Config{
		MaxDimension:  m.MaxDimension,
		MaxPhotoBytes: m.MaxPhotoBytes,
		MaxFileBytes:  m.MaxFileBytes,
		JPEGQuality:   m.JPEGQuality,
		MaxCaption:    m.MaxCaption,
	}
	if w := cfg.Watermark; w != nil {
		pos, err := media.ParsePosition(w.Position)
		if err != nil {
			return media.Config{}, &config.Error{Path: "watermark.position", Err: err}
		}
		wm, err := media.LoadWatermark(w.Image, pos, w.Opacity)
		if err != nil {
			return media.Config{}, &config.Error{Path: "watermark.image", Err: err}
		}
		mc.Watermark = wm
	}
	return mc, nil
}

func relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		MaxRetryAttempts: cfg.MaxRetries(),
		Backoff:          relay.Backoff{Base: cfg.BackoffBase(), Max: cfg.BackoffMax()},
		AmbiguousRetry:   cfg.AmbiguousRetry(),
		AlertAfter:       cfg.AlertAfter(),
	}
}

func relayChannels(cfg *config.Config) ([]relay.Channel, error) {
	out := make([]relay.Channel, 0, len(cfg.SourceChannels))
	for i, c := range cfg.SourceChannels {
		path := fmt.Sprintf("source_channels[%d]", i)
		dest, err := transport.ParseChatTarget(c.Destination, c.ThreadID)
		if err != nil {
			return nil, &config.Error{Path: path + ".destination", Err: err}
		}
		sched, err := relay.ParseSchedule(c.PollInterval)
		if err != nil {
			return nil, &config.Error{Path: path + ".poll_interval", Err: err}
		}
		out = append(out, relay.Channel{
			ID:          source.NormalizeChannel(c.ID),
			Destination: dest,
			Schedule:    sched,
			Enabled:     c.IsEnabled(),
		})
	}
	return out, nil
}

func gateRate(cfg *config.Config) (float64, int) {
	r := cfg.Bot.RatePerSec
	if r == 0 {
		r = defaultBotRate
	}
	return r, max(cfg.Bot.Burst, 1)
}

func notifierConfig(cfg *config.Config) (notifier.Config, error) {
	a := cfg.Alerts
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, config.DefaultAlertWindow)
	if err != nil {
		return notifier.Config{}, &config.Error{Err: err}
	}
	nc := notifier.Config{
		Enabled:       a.Enabled,
		Workers:       1,
		QueueSize:     64,
		RatePerSec:    a.RatePerSec,
		RetryMax:      3,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		DedupWindow:   window,
	}
	if a.Enabled {
		t, err := transport.ParseChatTarget(a.ChatID, a.ThreadID)
		if err != nil {
			return notifier.Config{}, &config.Error{Path: "alerts.chat_id", Err: err}
		}
		nc.Target = t
	}
	return nc, nil
}

func janitorConfig(cfg *config.Config) (janitor.Config, error) {
	timeout, err := config.ParseDurationOrDefault("prune.timeout", cfg.Prune.Timeout, defaultPruneWindow)
	if err != nil {
		return janitor.Config{}, &config.Error{Err: err}
	}
	return janitor.Config{
		Schedule:  cfg.Prune.Schedule,
		Retention: time.Duration(cfg.RetentionDays()) * 24 * time.Hour,
		Timeout:   timeout,
	}, nil
}

func opsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
