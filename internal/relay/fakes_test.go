package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/content"
	"tgrelay/internal/dedup"
	"tgrelay/internal/delivery"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

// fakeClock advances virtual time on Sleep instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeReader serves a fixed message list per channel.
type fakeReader struct {
	mu    sync.Mutex
	items map[string][]content.Item
	errs  map[string][]error
	calls map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{items: map[string][]content.Item{}, errs: map[string][]error{}, calls: map[string]int{}}
}

func (r *fakeReader) add(channel string, id int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := content.Payload{Kind: content.KindText, Caption: text}
	r.items[channel] = append(r.items[channel], content.Item{
		Channel:     channel,
		MessageID:   id,
		Payload:     p,
		Fingerprint: content.Compute(p),
	})
}

func (r *fakeReader) failNext(channel string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[channel] = append(r.errs[channel], errs...)
}

func (r *fakeReader) Fetch(_ context.Context, channel string, cursor int64) ([]content.Item, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[channel]++
	if q := r.errs[channel]; len(q) > 0 {
		r.errs[channel] = q[1:]
		return nil, cursor, q[0]
	}
	var out []content.Item
	next := cursor
	for _, it := range r.items[channel] {
		if it.MessageID > cursor {
			out = append(out, it)
			next = it.MessageID
		}
	}
	return out, next, nil
}

func (r *fakeReader) Calls(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[channel]
}

type passthrough struct{}

func (passthrough) Transform(p content.Payload) (content.Payload, error) { return p, nil }

// scriptedSender returns results from script, keyed by caption and call
// number, and Delivered once a script runs out.
type scriptedSender struct {
	mu     sync.Mutex
	clock  *fakeClock
	script map[string][]delivery.Result
	sent   []string
	times  []time.Time
	seq    int
	hook   func(caption string)
}

func newScriptedSender(clock *fakeClock) *scriptedSender {
	return &scriptedSender{clock: clock, script: map[string][]delivery.Result{}}
}

func (s *scriptedSender) on(caption string, rs ...delivery.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[caption] = append(s.script[caption], rs...)
}

func (s *scriptedSender) Send(_ context.Context, _ transport.ChatTarget, p content.Payload) delivery.Result {
	s.mu.Lock()
	s.sent = append(s.sent, p.Caption)
	s.times = append(s.times, s.clock.Now())
	res := delivery.Result{Kind: delivery.Delivered}
	if q := s.script[p.Caption]; len(q) > 0 {
		res = q[0]
		s.script[p.Caption] = q[1:]
	}
	if res.Kind == delivery.Delivered {
		s.seq++
		res.MessageID = s.seq
	}
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(p.Caption)
	}
	return res
}

func (s *scriptedSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func transient() delivery.Result {
	return delivery.Result{Kind: delivery.Transient, Err: fmt.Errorf("telegram: Bad Gateway (502)")}
}

type harness struct {
	clock  *fakeClock
	reader *fakeReader
	sender *scriptedSender
	store  storage.Store
	dedup  *dedup.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := newFakeClock()
	return &harness{
		clock:  clock,
		reader: newFakeReader(),
		sender: newScriptedSender(clock),
		store:  st,
		dedup:  dedup.New(st),
	}
}

func testConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		Backoff:          Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: func() float64 { return 0 }},
		AlertAfter:       2,
	}
}

func (h *harness) scheduler(t *testing.T, cfg Config, channels ...Channel) *Scheduler {
	t.Helper()
	s, err := New(cfg, channels, Deps{
		Reader:    h.reader,
		Processor: passthrough{},
		Sender:    h.sender,
		Dedup:     h.dedup,
		Cursors:   h.store,
		Gate:      NewGate(h.clock, 0, 1),
		Clock:     h.clock,
		Log:       logx.Nop(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func channel(id string, dest int64) Channel {
	return Channel{
		ID:          id,
		Destination: transport.ChatTarget{ChatID: dest},
		Schedule:    Every(time.Minute),
		Enabled:     true,
	}
}

func (h *harness) cursor(t *testing.T, ch string) int64 {
	t.Helper()
	c, _, err := h.store.GetCursor(context.Background(), ch)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	return c
}

// failingDedup delegates to a real store but fails every Record.
type failingDedup struct {
	*dedup.Store
	err error
}

func (f failingDedup) Record(context.Context, string, content.Item, time.Time, ...content.Fingerprint) error {
	return f.err
}
