package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/relay"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const sendTimeout = 10 * time.Second

type job struct {
	a   Alert
	key string
}

// Service is an async alert pipeline: queue, workers, rate limit, retry
// and a suppression window. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	sup       *supervisor.Supervisor
	inflight  sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{sender: sender, log: log, bus: bus, dedup: map[string]time.Time{}}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && !s.cfg.Target.IsZero() && s.sender != nil
}

// Apply swaps limits and the target. Worker and queue sizes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	burst := max(int(cfg.RatePerSec), 1)

	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.mu.Unlock()
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	q := s.queue
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.worker(c, q)
			return nil
		})
	}
}

// Stop refuses new alerts and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify enqueues an alert without blocking. Suppressed alerts return nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := alertKey(a)
	if window > 0 && !s.allow(key, window, maxEntries) {
		s.publish(EventDeduped, AlertEvent{Key: key})
		return nil
	}

	select {
	case q <- job{a: a, key: key}:
		return nil
	default:
		s.publish(EventDropped, AlertEvent{Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Snapshot returns recently sent alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) worker(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefix(j.a.Priority) + j.a.Text
	opt := &transport.SendOptions{DisablePreview: true, Silent: j.a.Priority < PriorityWarning}

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(cctx, cfg.Target, text, opt)
		cancel()
		if err == nil {
			s.remember(text)
			s.publish(EventSent, AlertEvent{Key: j.key})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("key", j.key), logx.Err(lastErr))
	s.publish(EventFailed, AlertEvent{Key: j.key, Error: lastErr.Error()})
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// allow reports whether key is outside its suppression window and, if so,
// opens a new one.
func (s *Service) allow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestT time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestT) {
				oldest, oldestT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// Watch turns relay events into alerts until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64, relay.EventChannelDisabled, relay.EventFetchFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a, ok := alertFor(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("alert not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func alertFor(e eventbus.Event) (Alert, bool) {
	switch e.Type {
	case relay.EventChannelDisabled:
		ev, ok := e.Data.(relay.ChannelEvent)
		if !ok {
			return Alert{}, false
		}
		text := fmt.Sprintf("Source %s disabled (%s)", ev.Channel, ev.Reason)
		if ev.Error != "" {
			text += ": " + ev.Error
		}
		return Alert{Priority: PriorityCritical, Key: "disabled:" + ev.Channel, Text: text}, true
	case relay.EventFetchFailed:
		ev, ok := e.Data.(relay.ChannelEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Priority: PriorityWarning,
			Key:      "fetch:" + ev.Channel,
			Text:     fmt.Sprintf("Source %s failed %d fetches in a row: %s", ev.Channel, ev.Failures, ev.Error),
		}, true
	}
	return Alert{}, false
}

func prefix(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	}
	return ""
}

func alertKey(a Alert) string {
	h := fnv.New64a()
	if a.Key != "" {
		_, _ = h.Write([]byte(a.Key))
	} else {
		_, _ = h.Write([]byte(a.Text))
	}
	_, _ = fmt.Fprintf(h, "|%d", a.Priority)
	return fmt.Sprintf("%x", h.Sum64())
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	// 0.7x..1.3x
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
