// Package janitor prunes delivery records older than the retention window
// on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/eventbus"
	"tgrelay/pkg/logx"
)

const EventPruned = "janitor.pruned"

type Config struct {
	// Schedule is a standard cron spec or descriptor. Empty means "@daily".
	Schedule  string
	Retention time.Duration
	Timeout   time.Duration
}

type Pruner interface {
	Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

type PruneEvent struct {
	Removed int64         `json:"removed"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

type Janitor struct {
	cfg    Config
	pruner Pruner
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	lastRun time.Time
	lastErr error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a prune schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@daily"
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	return s, nil
}

func New(cfg Config, p Pruner, log logx.Logger, bus eventbus.Bus) (*Janitor, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@daily"
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Janitor{cfg: cfg, pruner: p, log: log, bus: bus, now: time.Now}, nil
}

// Start registers the prune job. A zero retention keeps everything, so
// nothing is scheduled.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	if j.cfg.Retention <= 0 {
		j.log.Info("retention disabled; pruning off")
		return nil
	}
	cl := cronLogger{j.log}
	j.c = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := j.c.AddFunc(j.cfg.Schedule, func() {
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		j.c = nil
		return fmt.Errorf("prune schedule %q: %w", j.cfg.Schedule, err)
	}
	j.c.Start()
	j.log.Info("pruning scheduled", logx.String("schedule", j.cfg.Schedule), logx.Duration("retention", j.cfg.Retention))
	return nil
}

// Stop waits for a running prune to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	start := j.now()
	n, err := j.pruner.Prune(ctx, j.cfg.Retention, start)
	took := time.Since(start)

	j.mu.Lock()
	j.lastRun, j.lastErr = start, err
	j.mu.Unlock()

	ev := PruneEvent{Removed: n, Took: took}
	if err != nil {
		ev.Error = err.Error()
		j.log.Error("prune failed", logx.Err(err))
	} else {
		j.log.Info("pruned delivery records", logx.Int64("removed", n), logx.Duration("took", took))
	}
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Type: EventPruned, Data: ev})
	}
	return n, err
}

// Next reports the next scheduled run, zero when not scheduled.
func (j *Janitor) Next() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c == nil {
		return time.Time{}
	}
	if es := j.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

// LastRun reports when pruning last ran and how it ended.
func (j *Janitor) LastRun() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastErr
}
