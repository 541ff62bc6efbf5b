// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages: a source channel was disabled,
// a channel keeps failing to fetch, the reader lost its authorization.
// They go to a single alert chat through a bounded queue, a small worker
// pool, a token bucket and a retry loop. Identical alerts inside the dedup
// window are suppressed so a flapping channel does not flood the chat.
//
// The notifier also listens on the event bus and turns relay events into
// alerts, so the relay itself never depends on it.
package notifier
