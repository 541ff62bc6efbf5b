package config

import (
	"reflect"
	"sort"
	"strings"

	"tgrelay/internal/source"
	"tgrelay/pkg/logx"
)

// Change summarizes a reload. Logging and per-channel enable flags apply
// live; everything listed in Restart only takes effect after a restart.
type Change struct {
	Sections []string
	Fields   []logx.Field

	Logging bool
	// Toggled maps normalized channel ids to their new enabled flag.
	Toggled map[string]bool
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs. Fields never carry secrets (tokens, api hash);
// only whether they are set.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	restart := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Restart = append(ch.Restart, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		ch.Logging = true
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file", l.File.Enabled),
			logx.Bool("logging.telegram", l.Telegram.Enabled),
		)
	}

	toggled, structural := diffChannels(oldCfg.SourceChannels, newCfg.SourceChannels)
	if len(toggled) > 0 {
		ch.Toggled = toggled
		ch.Sections = append(ch.Sections, "source_channels.enabled")
		ch.Fields = append(ch.Fields, logx.Int("channels.toggled", len(toggled)))
	}
	if structural {
		restart("source_channels", logx.Int("channels.count", len(newCfg.SourceChannels)))
	}

	if !reflect.DeepEqual(relaySettings(oldCfg), relaySettings(newCfg)) {
		restart("relay",
			logx.Int("relay.max_retry_attempts", newCfg.MaxRetries()),
			logx.Int("relay.retention_days", newCfg.RetentionDays()),
			logx.String("relay.ambiguous_delivery", newCfg.AmbiguousDelivery),
		)
	}
	if !reflect.DeepEqual(oldCfg.Watermark, newCfg.Watermark) || oldCfg.Media != newCfg.Media {
		restart("media", logx.Bool("media.watermark", newCfg.Watermark != nil))
	}
	if !reflect.DeepEqual(oldCfg.Reader, newCfg.Reader) {
		restart("reader",
			logx.String("reader.driver", newCfg.Reader.DriverName()),
			logx.Bool("reader.api_hash_set", strings.TrimSpace(newCfg.Reader.APIHash) != ""),
		)
	}
	if oldCfg.Bot != newCfg.Bot {
		restart("bot",
			logx.Bool("bot.token_set", strings.TrimSpace(newCfg.Bot.Token) != ""),
			logx.Float64("bot.rate_per_sec", newCfg.Bot.RatePerSec),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		restart("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Prune != newCfg.Prune {
		restart("prune", logx.String("prune.schedule", newCfg.Prune.Schedule))
	}
	if oldCfg.Alerts != newCfg.Alerts {
		restart("alerts", logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
	}
	if oldCfg.Ops != newCfg.Ops {
		restart("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

type relayTuning struct {
	Retention, Retries, AlertAfter int
	Base, Max                      float64
	Ambiguous                      string
}

func relaySettings(c *Config) relayTuning {
	return relayTuning{
		Retention:  c.RetentionDays(),
		Retries:    c.MaxRetries(),
		AlertAfter: c.AlertAfter(),
		Base:       c.BackoffBaseSeconds,
		Max:        c.BackoffMaxSeconds,
		Ambiguous:  strings.ToLower(strings.TrimSpace(c.AmbiguousDelivery)),
	}
}

// diffChannels reports enable flips on otherwise unchanged channels, and
// whether anything else about the channel set changed.
func diffChannels(oldList, newList []ChannelConfig) (map[string]bool, bool) {
	structural := len(oldList) != len(newList)
	oldByID := make(map[string]ChannelConfig, len(oldList))
	for _, c := range oldList {
		oldByID[source.NormalizeChannel(c.ID)] = c
	}
	var toggled map[string]bool
	for _, n := range newList {
		id := source.NormalizeChannel(n.ID)
		o, ok := oldByID[id]
		if !ok {
			structural = true
			continue
		}
		if o.Destination != n.Destination || o.PollInterval != n.PollInterval || o.ThreadID != n.ThreadID {
			structural = true
		}
		if o.IsEnabled() != n.IsEnabled() {
			if toggled == nil {
				toggled = map[string]bool{}
			}
			toggled[id] = n.IsEnabled()
		}
	}
	return toggled, structural
}
