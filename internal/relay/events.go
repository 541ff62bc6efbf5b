package relay

// Event types published on the bus.
const (
	EventDelivered       = "relay.delivered"
	EventSkipped         = "relay.skipped"
	EventRetry           = "relay.retry"
	EventRateLimited     = "relay.rate_limited"
	EventFetchFailed     = "relay.fetch_failed"
	EventChannelDisabled = "relay.channel_disabled"
	EventChannelEnabled  = "relay.channel_enabled"
	EventCycle           = "relay.cycle"
)

// Skip reasons.
const (
	ReasonDuplicate        = "duplicate"
	ReasonUnsupported      = "unsupported_media"
	ReasonProcessing       = "processing_error"
	ReasonPermanent        = "permanent_error"
	ReasonRetriesExhausted = "retries_exhausted"
)

// ReasonForbidden disables a channel whose destination no longer accepts
// posts from the bot.
const ReasonForbidden = "forbidden"

// ItemEvent describes something that happened to one source message.
type ItemEvent struct {
	Channel     string `json:"channel"`
	MessageID   int64  `json:"msg_id"`
	Destination string `json:"dest"`
	Reason      string `json:"reason,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ChannelEvent describes a change in a channel's health.
type ChannelEvent struct {
	Channel  string `json:"channel"`
	Reason   string `json:"reason,omitempty"`
	Failures int    `json:"failures,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CycleEvent summarizes one completed tick.
type CycleEvent struct {
	Channel   string `json:"channel"`
	Fetched   int    `json:"fetched"`
	Processed int    `json:"processed"`
	Cursor    int64  `json:"cursor"`
}
