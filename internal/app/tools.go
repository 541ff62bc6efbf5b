package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/dedup"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/source"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/adapter"
	"tgrelay/pkg/logx"
)

// One-shot operations behind the CLI subcommands. They load the config
// the same way the daemon does but only build what they need.

// LoadConfig reads and validates the config file.
func LoadConfig(ctx context.Context, path string, log logx.Logger) (*config.Config, error) {
	return config.NewManager(path, log.With(logx.String("comp", "config"))).Load(ctx)
}

// ChannelCheck is the verification outcome of one source channel.
type ChannelCheck struct {
	Channel     string
	Destination string
	SourceErr   error
	DestErr     error
}

func (c ChannelCheck) OK() bool { return c.SourceErr == nil && c.DestErr == nil }

// Verify checks that every configured source channel is readable and, with
// the real bot adapter, that every destination is reachable.
func Verify(ctx context.Context, cfgPath string, log logx.Logger, opts ...Option) ([]ChannelCheck, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := LoadConfig(ctx, cfgPath, log)
	if err != nil {
		return nil, err
	}

	client := o.client
	if client == nil {
		c, mt, err := sourceClient(cfg, log)
		if err != nil {
			return nil, err
		}
		client = c
		if mt != nil {
			sup := supervisor.New(ctx, supervisor.WithLogger(log))
			defer func() {
				sup.Cancel()
				_ = sup.Wait(context.Background())
			}()
			sup.Go("mtproto", mt.Run)
			wctx, cancel := context.WithTimeout(sup.Context(), readyTimeout)
			err := mt.WaitReady(wctx)
			cancel()
			if err != nil {
				return nil, authErr(err)
			}
		}
	}
	rc, err := readerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reader := source.NewReader(client, rc, log)

	var checker chatChecker
	if o.sender != nil {
		checker, _ = o.sender.(chatChecker)
	} else {
		ac, err := adapterConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := adapter.New(ac, log)
		if err != nil {
			if errors.Is(err, adapter.ErrUnauthorized) {
				return nil, fmt.Errorf("%w: %w", ErrAuth, err)
			}
			return nil, err
		}
		checker = ad
	}

	out := make([]ChannelCheck, 0, len(cfg.SourceChannels))
	for _, c := range cfg.SourceChannels {
		id := source.NormalizeChannel(c.ID)
		check := ChannelCheck{Channel: id, Destination: c.Destination}
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		check.SourceErr = reader.Verify(vctx, id)
		if checker != nil {
			if dest, err := transport.ParseChatTarget(c.Destination, c.ThreadID); err != nil {
				check.DestErr = err
			} else {
				check.DestErr = checker.CheckChat(vctx, dest)
			}
		}
		cancel()
		out = append(out, check)
	}
	return out, nil
}

// Prune removes delivery records older than the configured retention and
// reports how many were deleted. Zero retention deletes nothing.
func Prune(ctx context.Context, cfgPath string, log logx.Logger) (int64, error) {
	cfg, err := LoadConfig(ctx, cfgPath, log)
	if err != nil {
		return 0, err
	}
	days := cfg.RetentionDays()
	if days <= 0 {
		log.Info("retention disabled; nothing to prune")
		return 0, nil
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return dedup.New(st).Prune(ctx, time.Duration(days)*24*time.Hour, time.Now())
}

// Cursors lists the persisted per-channel cursors.
func Cursors(ctx context.Context, cfgPath string, log logx.Logger) ([]storage.Cursor, error) {
	cfg, err := LoadConfig(ctx, cfgPath, log)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Cursors(ctx)
}

// Login creates the reader session for the mtproto driver interactively.
func Login(ctx context.Context, cfgPath, phone, password string, code func(context.Context) (string, error), log logx.Logger) error {
	cfg, err := LoadConfig(ctx, cfgPath, log)
	if err != nil {
		return err
	}
	if cfg.Reader.DriverName() != "mtproto" {
		return &config.Error{Path: "reader.driver", Err: errors.New("login only applies to the mtproto driver")}
	}
	_, mt, err := sourceClient(cfg, log)
	if err != nil {
		return err
	}
	return authErr(mt.Login(ctx, phone, password, code))
}
