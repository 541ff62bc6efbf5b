// Package delivery posts relay payloads and classifies the outcome.
//
// A Client makes exactly one attempt per Send. Retrying, waiting out rate
// limits and recording are the caller's business; the Result says which
// of those applies.
package delivery

import (
	"fmt"
	"time"
)

type Kind int

const (
	Delivered Kind = iota
	// RateLimited: the destination asked us to wait RetryAfter.
	RateLimited
	// Transient: nothing was posted and a retry may succeed.
	Transient
	// Permanent: this message cannot be posted (bad payload, bad chat).
	Permanent
	// Unknown: the request may or may not have reached Telegram.
	Unknown
	// Unauthorized: the bot token was rejected. Nothing can be posted
	// anywhere until the credentials are fixed.
	Unauthorized
	// Forbidden: the bot may not post to this destination (kicked, not an
	// admin, blocked). Other messages to it would fail the same way.
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unknown:
		return "unknown"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Result struct {
	Kind       Kind
	RetryAfter time.Duration // RateLimited only
	MessageID  int           // Delivered only
	Err        error
}

func (r Result) OK() bool { return r.Kind == Delivered }

func (r Result) String() string {
	switch r.Kind {
	case Delivered:
		return fmt.Sprintf("delivered (message %d)", r.MessageID)
	case RateLimited:
		return fmt.Sprintf("rate limited (retry after %s)", r.RetryAfter)
	}
	if r.Err != nil {
		return r.Kind.String() + ": " + r.Err.Error()
	}
	return r.Kind.String()
}
