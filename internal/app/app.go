// Package app wires the relay pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/dedup"
	"tgrelay/internal/delivery"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/janitor"
	"tgrelay/internal/media"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability/ops"
	"tgrelay/internal/relay"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/source"
	"tgrelay/internal/source/mtproto"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/adapter"
	"tgrelay/pkg/logx"
	"tgrelay/pkg/systemd"
)

// ErrAuth marks a collaborator rejecting its credentials: the bot token or
// the reader session. The process exits with a dedicated code on it.
var ErrAuth = errors.New("authorization failed")

const (
	readyTimeout  = 2 * time.Minute
	verifyTimeout = 30 * time.Second
	// stopSlack covers the stop steps around the relay wait.
	stopSlack = 15 * time.Second
)

type Option func(*options)

type options struct {
	sender transport.Sender
	client source.Client
	clock  relay.Clock
}

// WithSender replaces the bot adapter for delivery, alerts and log
// forwarding.
func WithSender(s transport.Sender) Option { return func(o *options) { o.sender = s } }

// WithSourceClient replaces the configured reader driver.
func WithSourceClient(c source.Client) Option { return func(o *options) { o.client = c } }

func WithClock(c relay.Clock) Option { return func(o *options) { o.clock = c } }

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sender  transport.Sender
	store   storage.Store
	dedup   *dedup.Store
	reader  *source.Reader
	mt      *mtproto.Client
	relay   *relay.Scheduler
	notif   *notifier.Service
	janitor *janitor.Janitor
	metrics *ops.Metrics
	ops     *ops.Service

	sup      *supervisor.Supervisor
	started  time.Time
	stopOnce sync.Once
	// relayWait bounds how long Stop waits for in-flight deliveries.
	relayWait time.Duration
}

// New loads and validates the config at cfgPath and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.NewConsole("info").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logConfig(cfg))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
	}
	if err := a.build(o, root); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) build(o options, root logx.Logger) error {
	cfg := a.cfg

	ac, err := adapterConfig(cfg)
	if err != nil {
		return err
	}
	a.sender = o.sender
	if a.sender == nil {
		ad, err := adapter.New(ac, root)
		if err != nil {
			if errors.Is(err, adapter.ErrUnauthorized) {
				return fmt.Errorf("%w: %w", ErrAuth, err)
			}
			return fmt.Errorf("bot adapter: %w", err)
		}
		a.sender = ad
	}
	a.logs.AttachSender(a.sender)

	if a.store, err = openStore(cfg, root); err != nil {
		return err
	}
	a.dedup = dedup.New(a.store)

	client := o.client
	if client == nil {
		if client, a.mt, err = sourceClient(cfg, root); err != nil {
			return err
		}
	}
	rc, err := readerConfig(cfg)
	if err != nil {
		return err
	}
	a.reader = source.NewReader(client, rc, root)

	mc, err := mediaConfig(cfg)
	if err != nil {
		return err
	}
	channels, err := relayChannels(cfg)
	if err != nil {
		return err
	}
	clock := o.clock
	if clock == nil {
		clock = relay.RealClock()
	}
	perSec, burst := gateRate(cfg)
	a.relayWait = relayStopBudget(ac.Timeout)
	a.relay, err = relay.New(relayConfig(cfg), channels, relay.Deps{
		Reader:    a.reader,
		Processor: media.New(mc),
		Sender:    delivery.NewClient(a.sender, ac.Timeout),
		Dedup:     a.dedup,
		Cursors:   a.store,
		Gate:      relay.NewGate(clock, perSec, burst),
		Clock:     clock,
		Bus:       a.bus,
		Log:       root.With(logx.String("comp", "relay")),
	})
	if err != nil {
		return &config.Error{Path: "source_channels", Err: err}
	}

	nc, err := notifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, a.sender, root.With(logx.String("comp", "notifier")), a.bus)

	jc, err := janitorConfig(cfg)
	if err != nil {
		return err
	}
	if a.janitor, err = janitor.New(jc, a.dedup, root.With(logx.String("comp", "janitor")), a.bus); err != nil {
		return &config.Error{Path: "prune", Err: err}
	}

	a.metrics = ops.NewMetrics()
	a.metrics.RegisterTasks(a.relay.Snapshot)
	a.metrics.RegisterBus(a.bus)
	a.ops = ops.New(opsConfig(cfg), root.With(logx.String("comp", "ops")), a.metrics,
		func() any { return a.Status() }, a.Health)
	return nil
}

// authErr tags reader and bot authorization failures with ErrAuth.
func authErr(err error) error {
	if err == nil || errors.Is(err, ErrAuth) {
		return err
	}
	if source.IsAuth(err) || errors.Is(err, relay.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return err
}

// Start launches every component. When it fails, Stop still has to be
// called to release what did start.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()
	run := a.sup.Context()

	// Alerts outlive the run context so Stop can drain them.
	a.notif.Start(context.WithoutCancel(ctx))
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })
	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	if a.mt != nil {
		a.sup.Go("mtproto", func(c context.Context) error { return authErr(a.mt.Run(c)) })
		wctx, cancel := context.WithTimeout(run, readyTimeout)
		err := a.mt.WaitReady(wctx)
		cancel()
		if err != nil {
			return authErr(err)
		}
	}

	a.verify(run)
	a.relay.Run(a.sup)

	if err := a.janitor.Start(run); err != nil {
		return err
	}
	if err := a.ops.Start(run); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	systemd.Ready(a.log)
	systemd.Status(a.log, fmt.Sprintf("relaying %d channels", len(a.cfg.SourceChannels)))
	a.log.Info("relay started",
		logx.Int("channels", len(a.cfg.SourceChannels)),
		logx.String("reader", a.cfg.Reader.DriverName()),
		logx.String("storage", a.cfg.Storage.Driver),
	)
	return nil
}

// Done is closed when the run context ends: Stop, parent cancellation or
// a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error of a supervised component.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return authErr(a.sup.Err())
}

// Run starts the app, blocks until ctx is cancelled or a component fails,
// then shuts down. It returns the failure, if any.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		reason := StopFatalError
		if errors.Is(err, ErrAuth) {
			reason = StopAuth
			a.alertAuth(err)
		}
		a.shutdown(reason)
		return err
	}

	<-a.Done()
	reason := StopSignal
	err := a.Err()
	switch {
	case errors.Is(err, ErrAuth):
		reason = StopAuth
		a.alertAuth(err)
	case err != nil:
		reason = StopFatalError
	case ctx.Err() == nil:
		reason = StopUnknown
	}
	a.shutdown(reason)
	return err
}

func (a *App) shutdown(reason StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	a.Stop(ctx, reason)
}

func (a *App) alertAuth(err error) {
	a.log.Error("authorization failed", logx.Err(err))
	_ = a.notif.Notify(context.Background(), notifier.Alert{
		Priority: notifier.PriorityCritical,
		Key:      "auth",
		Text:     "Relay stopping, authorization failed: " + err.Error(),
	})
}

// ShutdownTimeout is how long Run gives Stop once the run context ends.
func (a *App) ShutdownTimeout() time.Duration {
	return a.relayBudget() + stopSlack
}

func (a *App) relayBudget() time.Duration {
	if a.relayWait > 0 {
		return a.relayWait
	}
	return relayStopBudget(0)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot hold the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	if a.sup != nil {
		a.sup.Cancel()
	}
	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "janitor", 2*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	// In-flight deliveries finish inside their send timeout and then record
	// the result; waiting on the supervisor covers them along with the
	// reader connection.
	drained := true
	if a.sup != nil {
		drained = a.step(ctx, "relay", a.relayBudget(), a.sup.Wait)
	}
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if drained {
		a.release()
	} else {
		// A delivery may still be about to record itself. Closing the store
		// under it would lose the record and repost the item after restart.
		a.log.Warn("relay still running; leaving storage open")
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// release closes what New opened.
func (a *App) release() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

// step runs fn bounded by limit and reports whether it returned in time.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return true
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached; continuing",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return false
	}
}

// verify resolves each enabled channel once at startup. Channels that no
// longer exist are disabled; other failures are left to the regular
// fetch backoff.
func (a *App) verify(ctx context.Context) {
	checker, _ := a.sender.(chatChecker)
	for _, st := range a.relay.Snapshot() {
		if !st.Enabled {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		err := a.reader.Verify(vctx, st.Channel)
		cancel()
		switch {
		case errors.Is(err, source.ErrSourceNotFound):
			a.log.Error("source channel not found; disabling", logx.String("channel", st.Channel), logx.Err(err))
			a.relay.Disable(st.Channel, "not_found", err)
		case err != nil:
			a.log.Warn("source channel not reachable yet", logx.String("channel", st.Channel), logx.Err(err))
		}
	}
	if checker == nil {
		return
	}
	seen := map[string]bool{}
	for i, c := range a.cfg.SourceChannels {
		dest, err := transport.ParseChatTarget(c.Destination, c.ThreadID)
		if err != nil || seen[dest.Chat()] {
			continue
		}
		seen[dest.Chat()] = true
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		err = checker.CheckChat(vctx, dest)
		cancel()
		if err != nil {
			a.log.Warn("destination not reachable by the bot",
				logx.String("dest", dest.String()), logx.Int("index", i), logx.Err(err))
		}
	}
}

type chatChecker interface {
	CheckChat(ctx context.Context, t transport.ChatTarget) error
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies hot-reloadable settings and reports the rest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload had no effective changes")
		return
	}
	if ch.Logging {
		a.logs.Apply(logConfig(next))
	}
	for id, enabled := range ch.Toggled {
		if !a.relay.SetEnabled(id, enabled) {
			a.log.Warn("config toggles an unknown channel", logx.String("channel", id))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", ch.Restart))
	}
}

// Status is the JSON document served on /status.
type Status struct {
	StartedAt time.Time              `json:"started_at"`
	Uptime    string                 `json:"uptime"`
	Channels  []relay.TaskStatus     `json:"channels"`
	Alerts    []notifier.HistoryItem `json:"recent_alerts,omitempty"`
	Prune     PruneStatus            `json:"prune"`
	Runtime   *supervisor.Snapshot   `json:"runtime,omitempty"`
}

type PruneStatus struct {
	LastRun time.Time `json:"last_run,omitzero"`
	NextRun time.Time `json:"next_run,omitzero"`
	Error   string    `json:"error,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt: a.started,
		Channels:  a.relay.Snapshot(),
		Alerts:    a.notif.Snapshot(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	last, err := a.janitor.LastRun()
	st.Prune = PruneStatus{LastRun: last, NextRun: a.janitor.Next()}
	if err != nil {
		st.Prune.Error = err.Error()
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Runtime = &snap
	}
	return st
}

// Health fails once a component has failed fatally or when no channel is
// left enabled.
func (a *App) Health() error {
	if err := a.Err(); err != nil {
		return err
	}
	for _, st := range a.relay.Snapshot() {
		if st.Enabled {
			return nil
		}
	}
	return errors.New("no source channel enabled")
}
