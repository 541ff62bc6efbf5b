// Package relay drives one task per source channel: fetch new messages,
// transform them, deliver them to the channel's destination exactly once,
// and advance the channel cursor.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tgrelay/internal/content"
	"tgrelay/internal/delivery"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/media"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/source"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

// State is the phase a channel task is in.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateDelivering State = "delivering"
	StateBackoff    State = "backoff"
	StateDisabled   State = "disabled"
)

// Channel is one source channel and where its content goes.
type Channel struct {
	ID          string
	Destination transport.ChatTarget
	Schedule    Schedule
	Enabled     bool
}

// Config tunes retries and alerting for every task.
type Config struct {
	// MaxRetryAttempts bounds retries of a transient send failure for one item.
	MaxRetryAttempts int
	Backoff          Backoff
	// AmbiguousRetry resends when the outcome of a send is unknown instead
	// of assuming it landed.
	AmbiguousRetry bool
	// AlertAfter publishes a fetch_failed event once a channel has failed
	// this many fetches in a row. Zero disables the event.
	AlertAfter int
}

// Reader returns messages newer than cursor, oldest first.
type Reader interface {
	Fetch(ctx context.Context, channel string, cursor int64) ([]content.Item, int64, error)
}

// Processor prepares a payload for posting.
type Processor interface {
	Transform(p content.Payload) (content.Payload, error)
}

// Sender makes one delivery attempt and classifies its outcome.
type Sender interface {
	Send(ctx context.Context, dest transport.ChatTarget, p content.Payload) delivery.Result
}

// Dedup remembers what was already delivered to each destination.
type Dedup interface {
	Lock(fp content.Fingerprint, dest string) func()
	Has(ctx context.Context, fp content.Fingerprint, dest string) (bool, error)
	Record(ctx context.Context, dest string, it content.Item, at time.Time, fps ...content.Fingerprint) error
}

// Cursors persists the last handled message id per channel.
type Cursors interface {
	GetCursor(ctx context.Context, channel string) (int64, bool, error)
	PutCursor(ctx context.Context, channel string, value int64) error
}

// Deps are the collaborators shared by all tasks.
type Deps struct {
	Reader    Reader
	Processor Processor
	Sender    Sender
	Dedup     Dedup
	Cursors   Cursors
	// Gate is shared by all tasks. Nil means no pacing.
	Gate  *Gate
	Clock Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

// TaskStatus is a point-in-time view of one channel task.
type TaskStatus struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	State       State     `json:"state"`
	Enabled     bool      `json:"enabled"`
	Cursor      int64     `json:"cursor"`
	Failures    int       `json:"consecutive_failures"`
	Delivered   uint64    `json:"delivered"`
	Skipped     uint64    `json:"skipped"`
	LastError   string    `json:"last_error,omitempty"`
	LastRun     time.Time `json:"last_run,omitzero"`
	NextRun     time.Time `json:"next_run,omitzero"`
}

// Scheduler owns one task per source channel.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu    sync.RWMutex
	tasks map[string]*task
	order []string
}

// StoreTimeout bounds storage writes that must complete even while the
// scheduler is shutting down.
const StoreTimeout = 10 * time.Second

// ErrUnauthorized stops the scheduler: the destination rejected the bot
// credentials, so no item can be delivered anywhere.
var ErrUnauthorized = errors.New("relay: bot credentials rejected")

func New(cfg Config, channels []Channel, deps Deps) (*Scheduler, error) {
	if deps.Reader == nil || deps.Processor == nil || deps.Sender == nil || deps.Dedup == nil || deps.Cursors == nil {
		return nil, errors.New("relay: missing dependency")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Gate == nil {
		deps.Gate = NewGate(deps.Clock, 0, 1)
	}
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}
	s := &Scheduler{cfg: cfg, deps: deps, log: deps.Log, tasks: map[string]*task{}}
	for _, ch := range channels {
		if ch.ID == "" {
			return nil, errors.New("relay: channel with empty id")
		}
		if _, dup := s.tasks[ch.ID]; dup {
			return nil, fmt.Errorf("relay: duplicate channel %q", ch.ID)
		}
		if ch.Destination.IsZero() {
			return nil, fmt.Errorf("relay: channel %q has no destination", ch.ID)
		}
		if ch.Schedule == nil {
			return nil, fmt.Errorf("relay: channel %q has no schedule", ch.ID)
		}
		s.tasks[ch.ID] = newTask(s, ch)
		s.order = append(s.order, ch.ID)
	}
	return s, nil
}

// Run starts every task under sup and returns immediately. Tasks stop when
// the supervisor context is cancelled; a panicking task is restarted on its
// own without touching the others.
func (s *Scheduler) Run(sup *supervisor.Supervisor) {
	for _, id := range s.order {
		t := s.tasks[id]
		sup.GoRestart("relay."+id, t.run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
}

// SetEnabled flips a channel on or off. Enabling wakes a disabled task and
// makes it tick right away. It reports whether the channel exists.
func (s *Scheduler) SetEnabled(channel string, enabled bool) bool {
	s.mu.RLock()
	t := s.tasks[channel]
	s.mu.RUnlock()
	if t == nil {
		return false
	}
	t.setEnabled(enabled, "config")
	return true
}

// Disable turns a channel off for reason and records err as its last
// error. Used when startup verification finds the channel gone.
func (s *Scheduler) Disable(channel, reason string, err error) bool {
	s.mu.RLock()
	t := s.tasks[channel]
	s.mu.RUnlock()
	if t == nil {
		return false
	}
	if err != nil {
		t.setErr(err)
	}
	t.setEnabled(false, reason)
	return true
}

// Snapshot lists every task in configuration order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].status())
	}
	return out
}

// Channels returns configured channel ids, sorted.
func (s *Scheduler) Channels() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

func (s *Scheduler) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.deps.Clock.Now(), Data: data})
}

type task struct {
	s    *Scheduler
	ch   Channel
	dest string // dedup key
	chat string // rate limit key
	log  logx.Logger

	wake chan struct{}

	mu        sync.Mutex
	state     State
	enabled   bool
	cursor    int64
	loaded    bool
	failures  int
	delivered uint64
	skipped   uint64
	lastErr   string
	lastRun   time.Time
	nextRun   time.Time
}

func newTask(s *Scheduler, ch Channel) *task {
	t := &task{
		s:       s,
		ch:      ch,
		dest:    ch.Destination.Key(),
		chat:    ch.Destination.Chat(),
		log:     s.log.With(logx.String("channel", ch.ID), logx.String("dest", ch.Destination.String())),
		wake:    make(chan struct{}, 1),
		enabled: ch.Enabled,
		state:   StateIdle,
	}
	if !ch.Enabled {
		t.state = StateDisabled
	}
	return t
}

func (t *task) run(ctx context.Context) error {
	clock := t.s.deps.Clock
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !t.isEnabled() {
			t.setState(StateDisabled)
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
			}
			continue
		}
		if wait := t.untilDue(clock.Now()); wait > 0 {
			t.setState(StateIdle)
			if err := clock.Sleep(ctx, wait); err != nil {
				return nil
			}
			continue
		}

		if err := t.cycle(ctx); err != nil {
			return supervisor.Fatal(err)
		}

		next := t.ch.Schedule.Next(clock.Now())
		t.mu.Lock()
		t.lastRun = clock.Now()
		t.nextRun = next
		t.mu.Unlock()
	}
}

// cycle runs one tick: fetch, then relay items in order until the batch
// ends, a storage error occurs, or shutdown interrupts it. The cursor moves
// past exactly the items that were handled. The returned error is fatal
// for the whole scheduler.
func (t *task) cycle(ctx context.Context) error {
	cursor, err := t.loadCursor(ctx)
	if err != nil {
		t.log.Error("cursor load failed", logx.Err(err))
		t.setErr(err)
		return nil
	}

	items, next, err := t.fetch(ctx, cursor)
	if err != nil {
		return nil
	}

	t.setState(StateProcessing)
	processed, done := cursor, 0
	complete := true
	var fatal error
	for _, it := range items {
		if ctx.Err() != nil {
			complete = false
			break
		}
		ok, err := t.relay(ctx, it)
		if errors.Is(err, ErrUnauthorized) {
			t.log.Error("bot credentials rejected; stopping", logx.Int64("msg_id", it.MessageID), logx.Err(err))
			t.setErr(err)
			fatal = err
			complete = false
			break
		}
		if err != nil {
			t.log.Error("storage error; stopping cycle", logx.Int64("msg_id", it.MessageID), logx.Err(err))
			t.setErr(err)
			complete = false
			break
		}
		if !ok {
			complete = false
			break
		}
		processed = it.MessageID
		done++
	}
	if complete && next > processed {
		processed = next
	}
	t.saveCursor(ctx, cursor, processed)

	t.s.publish(EventCycle, CycleEvent{Channel: t.ch.ID, Fetched: len(items), Processed: done, Cursor: t.currentCursor()})
	if len(items) > 0 {
		t.log.Info("cycle done", logx.Int("fetched", len(items)), logx.Int("processed", done), logx.Int64("cursor", t.currentCursor()))
	}
	t.setState(StateIdle)
	return fatal
}

func (t *task) loadCursor(ctx context.Context) (int64, error) {
	t.mu.Lock()
	if t.loaded {
		c := t.cursor
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, _, err := t.s.deps.Cursors.GetCursor(ctx, t.ch.ID)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.cursor, t.loaded = c, true
	t.mu.Unlock()
	return c, nil
}

func (t *task) saveCursor(ctx context.Context, from, to int64) {
	if to <= from {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), StoreTimeout)
	defer cancel()
	if err := t.s.deps.Cursors.PutCursor(wctx, t.ch.ID, to); err != nil {
		// Delivered items are already recorded, so reprocessing them
		// after a restart only produces duplicate skips.
		t.log.Error("cursor save failed", logx.Int64("cursor", to), logx.Err(err))
		t.setErr(err)
		return
	}
	t.mu.Lock()
	t.cursor = to
	t.mu.Unlock()
}

// fetch retries failed reads with exponential backoff. It gives up only on
// shutdown, on a disabled channel, or when the channel no longer exists.
func (t *task) fetch(ctx context.Context, cursor int64) ([]content.Item, int64, error) {
	clock := t.s.deps.Clock
	for attempt := 0; ; attempt++ {
		t.setState(StateFetching)
		items, next, err := t.s.deps.Reader.Fetch(ctx, t.ch.ID, cursor)
		if err == nil {
			t.mu.Lock()
			t.failures = 0
			t.lastErr = ""
			t.mu.Unlock()
			return items, next, nil
		}
		if ctx.Err() != nil {
			return nil, cursor, ctx.Err()
		}
		if errors.Is(err, source.ErrSourceNotFound) {
			t.log.Error("source channel not found; disabling", logx.Err(err))
			t.setErr(err)
			t.setEnabled(false, "not_found")
			return nil, cursor, err
		}

		failures := t.noteFailure(err)
		delay := t.s.cfg.Backoff.Delay(attempt)
		t.log.Warn("fetch failed", logx.Int("attempt", attempt+1), logx.Duration("backoff", delay), logx.Err(err))
		if a := t.s.cfg.AlertAfter; a > 0 && failures == a {
			t.s.publish(EventFetchFailed, ChannelEvent{Channel: t.ch.ID, Failures: failures, Error: err.Error()})
		}

		t.setState(StateBackoff)
		if err := clock.Sleep(ctx, delay); err != nil {
			return nil, cursor, err
		}
		if !t.isEnabled() {
			return nil, cursor, errors.New("channel disabled")
		}
	}
}

// relay handles one item. It returns false when the item was left
// unsettled (shutdown, or the destination refused the bot), and an error
// for storage failures and rejected credentials. Every other outcome
// counts as handled.
func (t *task) relay(ctx context.Context, it content.Item) (bool, error) {
	d := t.s.deps
	log := t.log.With(logx.Int64("msg_id", it.MessageID))

	seen, err := d.Dedup.Has(ctx, it.Fingerprint, t.dest)
	if err != nil {
		return false, err
	}
	if seen {
		t.skip(log, it, ReasonDuplicate, nil)
		return true, nil
	}

	payload, err := d.Processor.Transform(it.Payload)
	if err != nil {
		reason := ReasonProcessing
		if errors.Is(err, media.ErrUnsupportedMedia) {
			reason = ReasonUnsupported
		}
		t.skip(log, it, reason, err)
		return true, nil
	}
	norm := content.Compute(payload)

	unlock := d.Dedup.Lock(norm, t.dest)
	defer unlock()

	for _, fp := range []content.Fingerprint{norm, it.Fingerprint} {
		seen, err := d.Dedup.Has(ctx, fp, t.dest)
		if err != nil {
			return false, err
		}
		if seen {
			// Remember the raw form too so the next sighting skips early.
			if err := t.record(ctx, it, norm); err != nil {
				return false, err
			}
			t.skip(log, it, ReasonDuplicate, nil)
			return true, nil
		}
	}

	attempt := 0
	for {
		t.setState(StateDelivering)
		if err := d.Gate.Wait(ctx, t.chat); err != nil {
			return false, nil
		}
		res := d.Sender.Send(ctx, t.ch.Destination, payload)

		switch res.Kind {
		case delivery.Delivered:
			if err := t.record(ctx, it, norm); err != nil {
				return false, err
			}
			t.mu.Lock()
			t.delivered++
			t.mu.Unlock()
			log.Info("delivered", logx.Int("dest_msg_id", res.MessageID), logx.Int("attempts", attempt+1))
			t.s.publish(EventDelivered, ItemEvent{Channel: t.ch.ID, MessageID: it.MessageID, Destination: t.dest, Attempt: attempt + 1})
			return true, nil

		case delivery.RateLimited:
			until := d.Clock.Now().Add(res.RetryAfter)
			d.Gate.Block(t.chat, until)
			log.Warn("rate limited", logx.Duration("retry_after", res.RetryAfter))
			t.s.publish(EventRateLimited, ItemEvent{Channel: t.ch.ID, MessageID: it.MessageID, Destination: t.dest, Error: res.String()})
			continue

		case delivery.Permanent:
			t.skip(log, it, ReasonPermanent, res.Err)
			return true, nil

		case delivery.Unauthorized:
			return false, fmt.Errorf("%w: %w", ErrUnauthorized, res.Err)

		case delivery.Forbidden:
			// The item stays unhandled so it is retried once the channel is
			// re-enabled.
			log.Error("destination refused the bot; disabling channel", logx.Err(res.Err))
			t.setErr(res.Err)
			t.setEnabled(false, ReasonForbidden)
			return false, nil

		case delivery.Unknown:
			if !t.s.cfg.AmbiguousRetry {
				log.Warn("delivery outcome unknown; assuming sent", logx.Err(res.Err))
				if err := t.record(ctx, it, norm); err != nil {
					return false, err
				}
				return true, nil
			}
		}

		// Transient, or Unknown with retries enabled.
		attempt++
		if attempt > t.s.cfg.MaxRetryAttempts {
			t.skip(log, it, ReasonRetriesExhausted, res.Err)
			return true, nil
		}
		delay := t.s.cfg.Backoff.Delay(attempt - 1)
		log.Warn("send failed; retrying", logx.Int("attempt", attempt), logx.Duration("backoff", delay), logx.String("result", res.String()))
		t.s.publish(EventRetry, ItemEvent{Channel: t.ch.ID, MessageID: it.MessageID, Destination: t.dest, Attempt: attempt, Error: res.String()})

		t.setState(StateBackoff)
		if err := d.Clock.Sleep(ctx, delay); err != nil {
			return false, nil
		}
	}
}

// record stores both fingerprints. It runs to completion even during
// shutdown, since the message is already in the destination chat.
func (t *task) record(ctx context.Context, it content.Item, norm content.Fingerprint) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), StoreTimeout)
	defer cancel()
	return t.s.deps.Dedup.Record(wctx, t.dest, it, t.s.deps.Clock.Now(), it.Fingerprint, norm)
}

func (t *task) skip(log logx.Logger, it content.Item, reason string, err error) {
	t.mu.Lock()
	t.skipped++
	t.mu.Unlock()
	ev := ItemEvent{Channel: t.ch.ID, MessageID: it.MessageID, Destination: t.dest, Reason: reason}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("item skipped", logx.String("reason", reason), logx.Err(err))
	} else {
		log.Debug("item skipped", logx.String("reason", reason))
	}
	t.s.publish(EventSkipped, ev)
}

func (t *task) setEnabled(enabled bool, reason string) {
	t.mu.Lock()
	changed := t.enabled != enabled
	t.enabled = enabled
	if enabled && changed {
		t.nextRun = time.Time{}
		t.failures = 0
	}
	t.mu.Unlock()
	if !changed {
		return
	}
	if enabled {
		t.log.Info("channel enabled", logx.String("reason", reason))
		t.s.publish(EventChannelEnabled, ChannelEvent{Channel: t.ch.ID, Reason: reason})
		select {
		case t.wake <- struct{}{}:
		default:
		}
		return
	}
	t.log.Warn("channel disabled", logx.String("reason", reason))
	t.s.publish(EventChannelDisabled, ChannelEvent{Channel: t.ch.ID, Reason: reason, Error: t.lastError()})
}

func (t *task) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *task) untilDue(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextRun.IsZero() {
		return 0
	}
	return t.nextRun.Sub(now)
}

func (t *task) noteFailure(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastErr = err.Error()
	return t.failures
}

func (t *task) setState(st State) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

func (t *task) setErr(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

func (t *task) lastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *task) currentCursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

func (t *task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	if !t.enabled {
		st = StateDisabled
	}
	return TaskStatus{
		Channel:     t.ch.ID,
		Destination: t.ch.Destination.String(),
		State:       st,
		Enabled:     t.enabled,
		Cursor:      t.cursor,
		Failures:    t.failures,
		Delivered:   t.delivered,
		Skipped:     t.skipped,
		LastError:   t.lastErr,
		LastRun:     t.lastRun,
		NextRun:     t.nextRun,
	}
}
