package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "5m") unless the field name says otherwise.
type Config struct {
	SourceChannels []ChannelConfig `json:"source_channels"`

	// DedupRetentionDays bounds how long delivery records are kept.
	// 0 keeps them forever.
	DedupRetentionDays *int      `json:"dedup_retention_days,omitempty"`
	MaxRetryAttempts   *int      `json:"max_retry_attempts,omitempty"`
	BackoffBaseSeconds float64   `json:"backoff_base_seconds,omitempty"`
	BackoffMaxSeconds  float64   `json:"backoff_max_seconds,omitempty"`
	AmbiguousDelivery  string    `json:"ambiguous_delivery,omitempty"`
	AlertAfterFailures int       `json:"alert_after_failures,omitempty"`
	Watermark          *WMConfig `json:"watermark,omitempty"`

	Reader  ReaderConfig  `json:"reader"`
	Bot     BotConfig     `json:"bot"`
	Media   MediaConfig   `json:"media,omitempty"`
	Storage StorageConfig `json:"storage,omitempty"`
	Prune   PruneConfig   `json:"prune,omitempty"`
	Logging LoggingConfig `json:"logging"`
	Alerts  AlertsConfig  `json:"alerts,omitempty"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

type ChannelConfig struct {
	ID           string `json:"id"`
	Destination  string `json:"destination"`
	PollInterval string `json:"poll_interval"`
	ThreadID     int    `json:"thread_id,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type WMConfig struct {
	Image    string  `json:"image"`
	Position string  `json:"position,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
}

// ReaderConfig selects and configures the source reader.
//
// driver "mtproto" reads through a user session (api_id/api_hash required);
// "webpreview" scrapes the public t.me/s pages and needs no credentials.
type ReaderConfig struct {
	Driver        string   `json:"driver,omitempty"`
	APIID         int      `json:"api_id,omitempty"`
	APIHash       string   `json:"api_hash,omitempty"`
	SessionPath   string   `json:"session_path,omitempty"`
	FetchLimit    int      `json:"fetch_limit,omitempty"`
	FetchTimeout  string   `json:"fetch_timeout,omitempty"`
	FallbackHours *float64 `json:"fallback_hours,omitempty"`
	BaseURL       string   `json:"base_url,omitempty"`
	MaxMediaBytes int64    `json:"max_media_bytes,omitempty"`
}

type BotConfig struct {
	Token       string  `json:"token"`
	APIURL      string  `json:"api_url,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

type MediaConfig struct {
	MaxDimension  int   `json:"max_dimension,omitempty"`
	MaxPhotoBytes int64 `json:"max_photo_bytes,omitempty"`
	MaxFileBytes  int64 `json:"max_file_bytes,omitempty"`
	JPEGQuality   int   `json:"jpeg_quality,omitempty"`
	MaxCaption    int   `json:"max_caption,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type PruneConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AlertsConfig struct {
	Enabled     bool    `json:"enabled"`
	ChatID      string  `json:"chat_id,omitempty"`
	ThreadID    int     `json:"thread_id,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
