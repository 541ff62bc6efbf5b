// Package mtproto reads channels through a Telegram user session.
//
// Bots cannot read channel history, so the reader logs in as a regular
// account (see the login command) and keeps the session on disk.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tgrelay/internal/source"
	logx "tgrelay/pkg/logx"
)

type Config struct {
	AppID       int
	AppHash     string
	SessionPath string
	MaxMedia    int64 // bytes; larger media is skipped
}

// Client implements source.Client. Run must be active for the other
// methods to work; they wait for it to become ready.
type Client struct {
	cfg Config
	log logx.Logger

	tc *telegram.Client

	ready   chan struct{}
	readyMu sync.Mutex
	runErr  error
	done    chan struct{}

	api   *tg.Client
	peers *peers.Manager

	mu    sync.Mutex
	cache map[string]tg.InputPeerClass
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.AppID == 0 || strings.TrimSpace(cfg.AppHash) == "" {
		return nil, errors.New("mtproto: api_id and api_hash are required")
	}
	if strings.TrimSpace(cfg.SessionPath) == "" {
		cfg.SessionPath = "./data/session.json"
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o700); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tc := telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	})
	return &Client{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "mtproto")),
		tc:    tc,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		cache: map[string]tg.InputPeerClass{},
	}, nil
}

// Run connects and blocks until ctx is cancelled. It fails with
// source.ErrAuth when the stored session is missing or revoked.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	err := c.tc.Run(ctx, func(ctx context.Context) error {
		status, err := c.tc.Auth().Status(ctx)
		if err != nil {
			return mapErr("", err)
		}
		if !status.Authorized {
			return fmt.Errorf("%w: session %s is not logged in (run the login command)", source.ErrAuth, c.cfg.SessionPath)
		}
		c.api = c.tc.API()
		c.peers = peers.Options{}.Build(c.api)
		close(c.ready)
		c.log.Info("mtproto session ready")
		<-ctx.Done()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.readyMu.Lock()
		c.runErr = err
		c.readyMu.Unlock()
		return err
	}
	return nil
}

// WaitReady blocks until Run has an authorized session or failed.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		c.readyMu.Lock()
		err := c.runErr
		c.readyMu.Unlock()
		if err == nil {
			err = source.Unavailable("mtproto client stopped")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login runs the interactive phone/code/password flow once.
func (c *Client) Login(ctx context.Context, phone, password string, code func(ctx context.Context) (string, error)) error {
	flow := auth.NewFlow(
		auth.Constant(phone, password, auth.CodeAuthenticatorFunc(
			func(ctx context.Context, _ *tg.AuthSentCode) (string, error) { return code(ctx) },
		)),
		auth.SendCodeOptions{},
	)
	return c.tc.Run(ctx, func(ctx context.Context) error {
		if err := c.tc.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("%w: %w", source.ErrAuth, err)
		}
		c.log.Info("logged in", logx.String("session", c.cfg.SessionPath))
		return nil
	})
}

func (c *Client) Resolve(ctx context.Context, channel string) error {
	_, err := c.inputPeer(ctx, channel)
	return err
}

func (c *Client) inputPeer(ctx context.Context, channel string) (tg.InputPeerClass, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	p, ok := c.cache[channel]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	var (
		peer peers.Peer
		err  error
	)
	if id, numeric := source.ChannelID(channel); numeric {
		peer, err = c.peers.ResolveChannelID(ctx, id)
	} else {
		peer, err = c.peers.ResolveDomain(ctx, strings.TrimPrefix(channel, "@"))
	}
	if err != nil {
		return nil, mapErr(channel, err)
	}
	p = peer.InputPeer()

	c.mu.Lock()
	c.cache[channel] = p
	c.mu.Unlock()
	return p, nil
}

func (c *Client) History(ctx context.Context, channel string, afterID int64, limit int) ([]source.Message, error) {
	peer, err := c.inputPeer(ctx, channel)
	if err != nil {
		return nil, err
	}
	req := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit}
	if afterID > 0 {
		// Page upwards from the cursor instead of down from the newest post,
		// so a long backlog is read without gaps.
		req.OffsetID = int(afterID) + 1
		req.AddOffset = -limit
		req.MinID = int(afterID)
	}
	res, err := c.api.MessagesGetHistory(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.dropPeer(channel, err)
		return nil, mapErr(channel, err)
	}

	var raw []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, source.Unavailable("unexpected history type %T", res)
	}

	out := make([]source.Message, 0, len(raw))
	for _, mc := range raw {
		m, ok := mc.(*tg.Message)
		if !ok || int64(m.ID) <= afterID {
			continue
		}
		out = append(out, convert(m))
	}
	return out, nil
}

func (c *Client) dropPeer(channel string, err error) {
	if tgerr.Is(err, "CHANNEL_INVALID", "PEER_ID_INVALID") {
		c.mu.Lock()
		delete(c.cache, channel)
		c.mu.Unlock()
	}
}

func mapErr(channel string, err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return source.Unavailable("flood wait %s", d.Round(time.Second))
	}
	switch {
	case tgerr.Is(err,
		"CHANNEL_INVALID", "CHANNEL_PRIVATE", "CHANNEL_PUBLIC_GROUP_NA",
		"USERNAME_INVALID", "USERNAME_NOT_OCCUPIED", "CHAT_ID_INVALID", "PEER_ID_INVALID"):
		return source.NotFound(channel, err)
	case tgerr.Is(err,
		"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
		"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN"):
		return fmt.Errorf("%w: %w", source.ErrAuth, err)
	}
	return err
}
