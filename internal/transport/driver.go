// ABOUTME: TransportDriver contract and the normalized event envelope
// ABOUTME: Platform variants implement Driver and are dispatched by platform tag

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Platform tags for the built-in driver variants.
const (
	PlatformSlack     = "slack"
	PlatformDiscord   = "discord"
	PlatformTelegram  = "telegram"
	PlatformWebSocket = "websocket"
)

// Event is the normalized envelope every driver produces, regardless of the
// source platform's wire protocol. It is the single shape the event router
// operates on.
type Event struct {
	IntegrationID string          `json:"integration_id"`
	AgentID       string          `json:"agent_id"`
	Platform      string          `json:"platform"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`

	// RespondTo is the channel/chat/thread address a reply should go to,
	// when the platform has one.
	RespondTo string `json:"respond_to,omitempty"`

	// ReplyToken is an opaque platform token needed to post the reply
	// (thread ts, interaction token), when the platform has one.
	ReplyToken string `json:"reply_token,omitempty"`
}

// Callbacks is the narrow contract through which a driver reports inbound
// events and lifecycle changes. All callbacks are optional; drivers must
// tolerate nil entries.
type Callbacks struct {
	// OnConnected fires when the platform connection is established.
	OnConnected func()

	// OnDisconnected fires when the connection drops, with a reason.
	// The supervisor decides whether to reconnect; drivers never do.
	OnDisconnected func(reason string)

	// OnError reports a non-fatal driver error.
	OnError func(err error)

	// OnEvent delivers a normalized inbound event.
	OnEvent func(evt *Event)

	// OnLiveness reports protocol-level proof the connection is alive
	// (heartbeat ack, pong, completed poll round) without an event.
	OnLiveness func()
}

func (c Callbacks) connected() {
	if c.OnConnected != nil {
		c.OnConnected()
	}
}

func (c Callbacks) disconnected(reason string) {
	if c.OnDisconnected != nil {
		c.OnDisconnected(reason)
	}
}

func (c Callbacks) errored(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) event(evt *Event) {
	if c.OnEvent != nil {
		c.OnEvent(evt)
	}
}

func (c Callbacks) liveness() {
	if c.OnLiveness != nil {
		c.OnLiveness()
	}
}

// Driver speaks one platform's wire protocol for one integration.
// Connect establishes the connection and returns once it is being serviced;
// inbound traffic flows through Callbacks. Disconnect is idempotent.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// SendReply posts a reply payload back to the platform address the
	// event came from.
	SendReply(ctx context.Context, evt *Event, text string) error
}

// UpdateInjector is implemented by poll/webhook-style drivers that accept
// platform updates delivered out-of-band (the management surface's
// /webhook/{platform}/{integration} endpoint).
type UpdateInjector interface {
	InjectUpdate(payload json.RawMessage) error
}

// Config carries everything a driver factory needs.
type Config struct {
	IntegrationID string
	AgentID       string
	Credentials   json.RawMessage
	Callbacks     Callbacks
	Logger        *slog.Logger
}

// Factory constructs a driver for one integration. Registered with the
// connection supervisor keyed by platform tag; this is the extension point
// for adding platforms.
type Factory func(cfg Config) (Driver, error)
