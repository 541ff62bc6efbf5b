package ops

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/janitor"
	"tgrelay/internal/notifier"
	"tgrelay/internal/relay"
)

const namespace = "tgrelay"

// Metrics turns bus events into Prometheus series.
type Metrics struct {
	reg *prometheus.Registry

	delivered   *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	fetchFailed *prometheus.CounterVec
	disabled    *prometheus.CounterVec
	processed   *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	pruned      prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivered_total",
			Help: "Items delivered to their destination.",
		}, []string{"channel"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "skipped_total",
			Help: "Items skipped without delivery, by reason.",
		}, []string{"channel", "reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_retries_total",
			Help: "Send attempts retried after a transient failure.",
		}, []string{"channel"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Flood waits reported by the destination.",
		}, []string{"dest"}),
		fetchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_alerts_total",
			Help: "Channels crossing the consecutive fetch failure threshold.",
		}, []string{"channel"}),
		disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_disabled_total",
			Help: "Channel disable transitions.",
		}, []string{"channel", "reason"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "processed_total",
			Help: "Items handled per cycle, delivered or skipped.",
		}, []string{"channel"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Operator alerts by outcome.",
		}, []string{"outcome"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_records_total",
			Help: "Delivery records removed by retention pruning.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.delivered, m.skipped, m.retries, m.rateLimited, m.fetchFailed,
		m.disabled, m.processed, m.alerts, m.pruned,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterTasks exports per-channel gauges read from snapshot at scrape time.
func (m *Metrics) RegisterTasks(snapshot func() []relay.TaskStatus) {
	m.reg.MustRegister(&taskCollector{snapshot: snapshot})
}

// RegisterBus exports the count of events lost to slow subscribers.
func (m *Metrics) RegisterBus(bus eventbus.Bus) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total",
		Help: "Bus events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) Observe(e eventbus.Event) {
	switch ev := e.Data.(type) {
	case relay.ItemEvent:
		switch e.Type {
		case relay.EventDelivered:
			m.delivered.WithLabelValues(ev.Channel).Inc()
		case relay.EventSkipped:
			m.skipped.WithLabelValues(ev.Channel, ev.Reason).Inc()
		case relay.EventRetry:
			m.retries.WithLabelValues(ev.Channel).Inc()
		case relay.EventRateLimited:
			m.rateLimited.WithLabelValues(ev.Destination).Inc()
		}
	case relay.ChannelEvent:
		switch e.Type {
		case relay.EventFetchFailed:
			m.fetchFailed.WithLabelValues(ev.Channel).Inc()
		case relay.EventChannelDisabled:
			m.disabled.WithLabelValues(ev.Channel, ev.Reason).Inc()
		}
	case relay.CycleEvent:
		m.processed.WithLabelValues(ev.Channel).Add(float64(ev.Processed))
	case notifier.AlertEvent:
		switch e.Type {
		case notifier.EventSent:
			m.alerts.WithLabelValues("sent").Inc()
		case notifier.EventFailed:
			m.alerts.WithLabelValues("failed").Inc()
		case notifier.EventDropped:
			m.alerts.WithLabelValues("dropped").Inc()
		case notifier.EventDeduped:
			m.alerts.WithLabelValues("suppressed").Inc()
		}
	case janitor.PruneEvent:
		m.pruned.Add(float64(ev.Removed))
	}
}

var (
	cursorDesc = prometheus.NewDesc(namespace+"_channel_cursor",
		"Last processed source message id.", []string{"channel"}, nil)
	enabledDesc = prometheus.NewDesc(namespace+"_channel_enabled",
		"1 when the channel is enabled.", []string{"channel"}, nil)
	failuresDesc = prometheus.NewDesc(namespace+"_channel_consecutive_failures",
		"Consecutive failed fetches.", []string{"channel"}, nil)
)

type taskCollector struct {
	snapshot func() []relay.TaskStatus
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cursorDesc
	ch <- enabledDesc
	ch <- failuresDesc
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.snapshot() {
		enabled := 0.0
		if st.Enabled {
			enabled = 1
		}
		ch <- prometheus.MustNewConstMetric(cursorDesc, prometheus.GaugeValue, float64(st.Cursor), st.Channel)
		ch <- prometheus.MustNewConstMetric(enabledDesc, prometheus.GaugeValue, enabled, st.Channel)
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(st.Failures), st.Channel)
	}
}
