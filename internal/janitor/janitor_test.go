package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgrelay/internal/eventbus"
	"tgrelay/pkg/logx"
)

type fakePruner struct {
	retention time.Duration
	now       time.Time
	n         int64
	err       error
}

func (f *fakePruner) Prune(_ context.Context, retention time.Duration, now time.Time) (int64, error) {
	f.retention, f.now = retention, now
	return f.n, f.err
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	fp := &fakePruner{n: 7}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	j, err := New(Config{Retention: 30 * 24 * time.Hour}, fp, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	n, err := j.RunOnce(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("RunOnce=%d,%v", n, err)
	}
	if fp.retention != 30*24*time.Hour || !fp.now.Equal(fixed) {
		t.Fatalf("pruner got retention=%v now=%v", fp.retention, fp.now)
	}
	e := <-events
	if ev, ok := e.Data.(PruneEvent); e.Type != EventPruned || !ok || ev.Removed != 7 {
		t.Fatalf("event=%+v", e)
	}

	fp.err = errors.New("disk full")
	if _, err := j.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Schedule: "every tuesday"}, &fakePruner{}, logx.Nop(), nil); err == nil {
		t.Fatal("bad schedule accepted")
	}

	j, err := New(Config{Schedule: "0 3 * * *", Retention: time.Hour}, &fakePruner{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Stop(context.Background())
	if next := j.Next(); next.IsZero() || next.Hour() != 3 {
		t.Fatalf("next=%v", next)
	}
}

func TestZeroRetentionSchedulesNothing(t *testing.T) {
	t.Parallel()
	j, err := New(Config{}, &fakePruner{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !j.Next().IsZero() {
		t.Fatal("pruning scheduled with zero retention")
	}
	j.Stop(context.Background())
}
