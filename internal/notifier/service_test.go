package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/relay"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	to    []transport.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("telegram: Bad Gateway (502)")
	}
	f.texts = append(f.texts, text)
	f.to = append(f.to, to)
	return transport.MessageRef{Chat: to.Chat(), MessageID: len(f.texts)}, nil
}

func (f *fakeSender) SendMedia(context.Context, transport.ChatTarget, transport.Media, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errors.New("not supported")
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Target:      transport.ChatTarget{ChatID: -1009},
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotifySuppressesRepeats(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	for range 3 {
		if err := s.Notify(ctx, Alert{Priority: PriorityWarning, Key: "k", Text: "channel flapping"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := s.Notify(ctx, Alert{Priority: PriorityWarning, Key: "other", Text: "second"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(ctx)

	got := fs.sent()
	if len(got) != 2 {
		t.Fatalf("sent=%q", got)
	}
	if !strings.HasPrefix(got[0], "⚠️ ") {
		t.Fatalf("missing priority prefix: %q", got[0])
	}
	if fs.to[0].ChatID != -1009 {
		t.Fatalf("target=%v", fs.to[0])
	}
	if h := s.Snapshot(); len(h) != 2 {
		t.Fatalf("history=%v", h)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), fs, logx.Nop(), bus)
	ctx := context.Background()
	s.Start(ctx)
	if err := s.Notify(ctx, Alert{Text: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s.Stop(ctx)

	if got := fs.sent(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent=%q", got)
	}
	if e := <-events; e.Type != EventSent {
		t.Fatalf("event=%s", e.Type)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := testConfig()
	off.Enabled = false
	if err := New(off, &fakeSender{}, logx.Nop(), nil).Notify(ctx, Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err=%v", err)
	}

	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(ctx, Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err=%v", err)
	}
	s.Start(ctx)
	s.Stop(ctx)
	if err := s.Notify(ctx, Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: err=%v", err)
	}
}

func TestWatchTurnsRelayEventsIntoAlerts(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	bus := eventbus.New()
	s := New(testConfig(), fs, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, bus)
		close(done)
	}()

	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: relay.EventDelivered, Data: relay.ItemEvent{Channel: "@a"}})
		bus.Publish(eventbus.Event{Type: relay.EventChannelDisabled, Data: relay.ChannelEvent{Channel: "@gone", Reason: "not_found"}})
		return len(fs.sent()) > 0
	})
	cancel()
	<-done

	got := fs.sent()
	if len(got) != 1 {
		t.Fatalf("disabled alert should be sent once within the window: %q", got)
	}
	if !strings.Contains(got[0], "@gone disabled (not_found)") {
		t.Fatalf("text=%q", got[0])
	}
}
