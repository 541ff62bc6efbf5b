package notifier

import (
	"time"

	"tgrelay/internal/transport"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Target          transport.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

// Alert is one operator message. Key groups alerts for suppression; an
// empty key falls back to the text.
type Alert struct {
	Priority Priority
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event types published by the notifier.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	EventDeduped = "notifier.deduped"
)

// AlertEvent is published on the bus for notifier lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
