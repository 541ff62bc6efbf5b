package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tgrelay/pkg/logx"
)

const validYAML = `
source_channels:
  - id: "@news"
    destination: "-1001234567890"
    poll_interval: 5m
  - id: https://t.me/Other
    destination: "@mirror"
    poll_interval: "02:30"
    enabled: false
dedup_retention_days: 7
ambiguous_delivery: retry
reader:
  driver: webpreview
bot:
  token: "123:abc"
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML), nopLogger())
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.SourceChannels) != 2 || cfg.SourceChannels[1].IsEnabled() {
		t.Fatalf("channels=%+v", cfg.SourceChannels)
	}
	if cfg.RetentionDays() != 7 || cfg.MaxRetries() != DefaultMaxRetry || !cfg.AmbiguousRetry() {
		t.Fatalf("derived settings wrong: %+v", cfg)
	}
	if cfg.BackoffBase() != DefaultBackoffBase || cfg.BackoffMax() != DefaultBackoffMax {
		t.Fatalf("backoff=%s/%s", cfg.BackoffBase(), cfg.BackoffMax())
	}
	if m.Get() != cfg {
		t.Fatalf("load did not commit")
	}
}

func TestDecodeRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body string
	}{
		{"yaml unknown key", "c.yaml", "bogus: 1\n"},
		{"json unknown key", "c.json", `{"bogus":1}`},
		{"json trailing", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "a: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsConfigError(err) {
				t.Fatalf("err %T is not a config error", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.yaml", []byte(validYAML))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return cfg
	}
	neg := -1
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no channels", mutate: func(c *Config) { c.SourceChannels = nil }, wantErr: "source_channels"},
		{name: "duplicate channel", mutate: func(c *Config) { c.SourceChannels[1].ID = "t.me/news" }, wantErr: "duplicate"},
		{name: "bad schedule", mutate: func(c *Config) { c.SourceChannels[0].PollInterval = "sometimes" }, wantErr: "poll_interval"},
		{name: "bad destination", mutate: func(c *Config) { c.SourceChannels[0].Destination = "" }, wantErr: "destination"},
		{name: "negative retention", mutate: func(c *Config) { c.DedupRetentionDays = &neg }, wantErr: "dedup_retention_days"},
		{name: "ambiguous mode", mutate: func(c *Config) { c.AmbiguousDelivery = "maybe" }, wantErr: "ambiguous_delivery"},
		{name: "backoff max below base", mutate: func(c *Config) { c.BackoffBaseSeconds, c.BackoffMaxSeconds = 10, 5 }, wantErr: "backoff_max_seconds"},
		{name: "mtproto needs credentials", mutate: func(c *Config) { c.Reader.Driver = "mtproto" }, wantErr: "reader.api_id"},
		{name: "unknown reader", mutate: func(c *Config) { c.Reader.Driver = "rss" }, wantErr: "reader.driver"},
		{name: "missing token", mutate: func(c *Config) { c.Bot.Token = " " }, wantErr: "bot.token"},
		{name: "bad timeout", mutate: func(c *Config) { c.Bot.SendTimeout = "soon" }, wantErr: "bot.send_timeout"},
		{name: "watermark opacity", mutate: func(c *Config) { c.Watermark = &WMConfig{Image: "w.png", Opacity: 2} }, wantErr: "watermark.opacity"},
		{name: "watermark position", mutate: func(c *Config) { c.Watermark = &WMConfig{Image: "w.png", Position: "middle-ish"} }, wantErr: "watermark.position"},
		{name: "storage driver", mutate: func(c *Config) { c.Storage.Driver = "redis" }, wantErr: "storage.driver"},
		{name: "prune schedule", mutate: func(c *Config) { c.Prune.Schedule = "whenever" }, wantErr: "prune.schedule"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "alerts chat", mutate: func(c *Config) { c.Alerts.Enabled = true }, wantErr: "alerts.chat_id"},
		{name: "ops addr", mutate: func(c *Config) { c.Ops.Addr = "9464" }, wantErr: "ops.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want mention of %q", err, tt.wantErr)
			}
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("err %T does not carry *Error", err)
			}
		})
	}
}

func TestFallbackWindow(t *testing.T) {
	t.Parallel()
	zero, six := 0.0, 6.0
	if got := (ReaderConfig{}).FallbackWindow(); got != 24*time.Hour {
		t.Fatalf("default=%s", got)
	}
	if got := (ReaderConfig{FallbackHours: &zero}).FallbackWindow(); got >= 0 {
		t.Fatalf("zero should disable, got %s", got)
	}
	if got := (ReaderConfig{FallbackHours: &six}).FallbackWindow(); got != 6*time.Hour {
		t.Fatalf("six=%s", got)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch := Diff(oldCfg, oldCfg); !ch.Empty() {
		t.Fatalf("self diff=%+v", ch)
	}

	newCfg, _ := Decode("c.yaml", []byte(validYAML))
	on := true
	newCfg.SourceChannels[1].Enabled = &on
	newCfg.Logging.Level = "debug"
	ch := Diff(oldCfg, newCfg)
	if !ch.Logging || len(ch.Restart) != 0 {
		t.Fatalf("hot change=%+v", ch)
	}
	if got, ok := ch.Toggled["@other"]; !ok || !got {
		t.Fatalf("toggled=%v", ch.Toggled)
	}

	newCfg.Bot.Token = "456:def"
	newCfg.SourceChannels[0].Destination = "@elsewhere"
	ch = Diff(oldCfg, newCfg)
	if strings.Join(ch.Restart, ",") != "bot,source_channels" {
		t.Fatalf("restart=%v", ch.Restart)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path, nopLogger())
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and the previous config stays active.
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg.Bot)
	case <-time.After(time.Second):
	}

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "level: info", "level: debug", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" || m.Get() != cfg {
			t.Fatalf("got level %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
	cancel()
	<-done
}

func nopLogger() logx.Logger { return logx.Nop() }
