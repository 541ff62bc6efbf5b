package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/content"
	"tgrelay/internal/delivery"
	"tgrelay/internal/relay"
	"tgrelay/internal/source"
	"tgrelay/internal/transport"
	"tgrelay/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	posts map[string][]source.Message
}

func newFakeSource() *fakeSource { return &fakeSource{posts: map[string][]source.Message{}} }

func (f *fakeSource) add(channel string, id int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[channel] = append(f.posts[channel], source.Message{
		ID: id, Date: time.Now(), Text: text, Kind: content.KindText,
	})
}

func (f *fakeSource) Resolve(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[channel]; !ok {
		return source.NotFound(channel, errors.New("CHANNEL_INVALID"))
	}
	return nil
}

func (f *fakeSource) History(_ context.Context, channel string, afterID int64, limit int) ([]source.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Message
	for _, m := range f.posts[channel] {
		if m.ID > afterID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSource) Download(context.Context, string, source.Message) ([]byte, error) {
	return nil, errors.New("no media in this fake")
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string

	// When hold is set, each send signals holding and then waits for hold
	// to close, ignoring its context like a request already on the wire.
	hold    chan struct{}
	holding chan struct{}
}

func (s *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if s.hold != nil {
		select {
		case s.holding <- struct{}{}:
		default:
		}
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to.Key()+" "+text)
	return transport.MessageRef{Chat: to.Chat(), MessageID: len(s.sent)}, nil
}

func (s *fakeSender) SendMedia(context.Context, transport.ChatTarget, transport.Media, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errors.New("unexpected media")
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func testConfig(dir string, newsEnabled bool) string {
	return fmt.Sprintf(`
source_channels:
  - id: "@news"
    destination: "@mirror_chat"
    poll_interval: 1h
    enabled: %t
  - id: "@gone"
    destination: "@mirror_chat"
    poll_interval: 1h
reader:
  driver: webpreview
bot:
  token: "123:abc"
  rate_per_sec: 100
storage:
  driver: file
  path: %q
logging:
  level: error
  console: false
  file: {enabled: false, path: ""}
  telegram: {enabled: false}
`, newsEnabled, filepath.Join(dir, "state"))
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func channelStatus(a *App, id string) relay.TaskStatus {
	for _, st := range a.relay.Snapshot() {
		if st.Channel == id {
			return st
		}
	}
	return relay.TaskStatus{}
}

func TestAppRelaysAndPersists(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, testConfig(dir, true))

	src := newFakeSource()
	src.add("@news", 1, "first")
	src.add("@news", 2, "second")
	sender := &fakeSender{}

	a, err := New(context.Background(), cfgPath, WithSender(sender), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "two deliveries", func() bool { return len(sender.Sent()) == 2 })
	if got := sender.Sent(); got[0] != "@mirror_chat first" || got[1] != "@mirror_chat second" {
		t.Fatalf("sent=%q", got)
	}
	if st := channelStatus(a, "@gone"); st.Enabled || !strings.Contains(st.LastError, "not found") {
		t.Fatalf("@gone should be disabled by verification: %+v", st)
	}
	if err := a.Health(); err != nil {
		t.Fatalf("health: %v", err)
	}
	waitFor(t, "cursor saved", func() bool { return channelStatus(a, "@news").Cursor == 2 })

	a.Stop(context.Background(), StopSignal)

	cursors, err := Cursors(context.Background(), cfgPath, logx.Nop())
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].Channel != "@news" || cursors[0].Value != 2 {
		t.Fatalf("cursors=%+v", cursors)
	}

	// A restart resumes from the stored cursor and sends nothing twice.
	src.add("@news", 3, "third")
	b, err := New(context.Background(), cfgPath, WithSender(sender), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new again: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start again: %v", err)
	}
	waitFor(t, "third delivery", func() bool { return len(sender.Sent()) == 3 })
	b.Stop(context.Background(), StopSignal)
	if got := sender.Sent(); got[2] != "@mirror_chat third" {
		t.Fatalf("sent=%q", got)
	}
}

func TestAppHotReloadTogglesChannel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, testConfig(dir, false))

	src := newFakeSource()
	src.add("@news", 10, "hello")
	sender := &fakeSender{}
	a, err := New(context.Background(), cfgPath, WithSender(sender), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop(context.Background(), StopSignal)

	time.Sleep(300 * time.Millisecond)
	if n := len(sender.Sent()); n != 0 {
		t.Fatalf("disabled channel delivered %d items", n)
	}

	writeConfig(t, cfgPath, testConfig(dir, true))
	waitFor(t, "delivery after enabling", func() bool { return len(sender.Sent()) == 1 })
}

func TestNewReportsConfigErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, strings.Replace(testConfig(dir, true), "poll_interval: 1h", "poll_interval: never", 1))

	_, err := New(context.Background(), cfgPath, WithSender(&fakeSender{}), WithSourceClient(newFakeSource()))
	if !config.IsConfigError(err) {
		t.Fatalf("err=%v, want config error", err)
	}

	_, err = New(context.Background(), filepath.Join(dir, "missing.yaml"))
	if !config.IsConfigError(err) {
		t.Fatalf("missing file err=%v, want config error", err)
	}
}

func TestAuthErr(t *testing.T) {
	t.Parallel()
	wrapped := authErr(fmt.Errorf("%w: session revoked", source.ErrAuth))
	if !errors.Is(wrapped, ErrAuth) || !errors.Is(wrapped, source.ErrAuth) {
		t.Fatalf("wrapped=%v", wrapped)
	}
	if err := authErr(source.Unavailable("timeout")); errors.Is(err, ErrAuth) {
		t.Fatalf("unavailable tagged as auth: %v", err)
	}
	if authErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func heldSender() *fakeSender {
	return &fakeSender{hold: make(chan struct{}), holding: make(chan struct{}, 1)}
}

func waitHolding(t *testing.T, s *fakeSender) {
	t.Helper()
	select {
	case <-s.holding:
	case <-time.After(5 * time.Second):
		t.Fatalf("send never started")
	}
}

func TestStopWaitsForInFlightSend(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, testConfig(dir, true))

	src := newFakeSource()
	src.add("@news", 1, "first")
	sender := heldSender()
	a, err := New(context.Background(), cfgPath, WithSender(sender), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitHolding(t, sender)

	go func() {
		time.Sleep(300 * time.Millisecond)
		close(sender.hold)
	}()
	a.Stop(context.Background(), StopSignal)
	if got := sender.Sent(); len(got) != 1 {
		t.Fatalf("sent=%q", got)
	}

	// The delivery that finished during shutdown was recorded, so a restart
	// does not post it again.
	src.add("@news", 2, "second")
	next := &fakeSender{}
	b, err := New(context.Background(), cfgPath, WithSender(next), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new again: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start again: %v", err)
	}
	defer b.Stop(context.Background(), StopSignal)
	waitFor(t, "second delivery", func() bool { return len(next.Sent()) > 0 })
	if got := next.Sent(); got[0] != "@mirror_chat second" {
		t.Fatalf("restart resent the in-flight item: %q", got)
	}
}

func TestStopKeepsStorageOpenForUnfinishedSend(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, testConfig(dir, true))

	src := newFakeSource()
	src.add("@news", 1, "first")
	sender := heldSender()
	a, err := New(context.Background(), cfgPath, WithSender(sender), WithSourceClient(src))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.relayWait = 100 * time.Millisecond
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitHolding(t, sender)

	a.Stop(context.Background(), StopSignal)
	if a.store == nil {
		t.Fatalf("storage closed while a send was still in flight")
	}

	close(sender.hold)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("relay did not finish after the send returned")
	}
	c, _, err := a.store.GetCursor(ctx, "@news")
	if err != nil || c != 1 {
		t.Fatalf("late delivery not persisted: cursor=%d err=%v", c, err)
	}
	_ = a.store.Close()
}

func TestRelayStopBudgetCoversSendAndRecord(t *testing.T) {
	t.Parallel()
	for _, send := range []time.Duration{0, 5 * time.Second, 30 * time.Second, 2 * time.Minute} {
		want := send
		if want == 0 {
			want = config.DefaultSendTimeout
		}
		if got := relayStopBudget(send); got < want+relay.StoreTimeout {
			t.Fatalf("relayStopBudget(%s)=%s, below send timeout plus store timeout", send, got)
		}
	}
	a := &App{relayWait: time.Minute}
	if a.ShutdownTimeout() <= time.Minute {
		t.Fatalf("shutdown timeout %s leaves no room for the relay wait", a.ShutdownTimeout())
	}
}

func TestBotAuthFailureIsAuthError(t *testing.T) {
	t.Parallel()
	res := delivery.Classify(errors.New("telegram: Unauthorized (401)"))
	err := authErr(fmt.Errorf("relay.@news: %w", fmt.Errorf("%w: %w", relay.ErrUnauthorized, res.Err)))
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err=%v, want ErrAuth", err)
	}
}

func TestPruneWithoutRetention(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, "dedup_retention_days: 0\n"+testConfig(dir, true))
	n, err := Prune(context.Background(), cfgPath, logx.Nop())
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
