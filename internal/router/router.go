// ABOUTME: Event router: wakes the target agent, then delivers the event
// ABOUTME: Delivery is at-most-once; replies are relayed back over the source connection

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentiom/agentiom/internal/lifecycle"
	"github.com/agentiom/agentiom/internal/store"
	"github.com/agentiom/agentiom/internal/supervisor"
	"github.com/agentiom/agentiom/internal/transport"
)

// ErrAgentUnreachable indicates the agent woke but has no network target.
var ErrAgentUnreachable = errors.New("agent has no network target")

// Waker is the slice of the lifecycle orchestrator the router needs.
type Waker interface {
	Wake(ctx context.Context, agentID, triggerType string, triggerContext map[string]any) (*lifecycle.WakeResult, error)
	RecordActivity(ctx context.Context, agentID string) error
}

// DeliveryResult describes one end-to-end event delivery.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	AgentWasAsleep    bool   `json:"agentWasAsleep"`
	WakeLatencyMs     int64  `json:"wakeLatencyMs,omitempty"`
	DeliveryLatencyMs int64  `json:"deliveryLatencyMs"`
	Reply             string `json:"reply,omitempty"`
	Error             string `json:"error,omitempty"`
}

// deliveryPayload is the wire shape POSTed to the agent.
type deliveryPayload struct {
	Type       string          `json:"type"`
	Platform   string          `json:"platform"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	RespondTo  string          `json:"respondTo,omitempty"`
	ReplyToken string          `json:"replyToken,omitempty"`
}

// Router delivers inbound platform events to agent compute, waking sleeping
// agents first.
type Router struct {
	store           store.Store
	waker           Waker
	client          *http.Client
	deliveryTimeout time.Duration
	logger          *slog.Logger
}

// New creates a Router. deliveryTimeout bounds each delivery POST.
func New(st store.Store, waker Waker, deliveryTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:           st,
		waker:           waker,
		client:          &http.Client{},
		deliveryTimeout: deliveryTimeout,
		logger:          logger.With("component", "router"),
	}
}

// HandleEvent implements supervisor.EventHandler.
func (r *Router) HandleEvent(ctx context.Context, evt *transport.Event, replier supervisor.Replier) error {
	result := r.Route(ctx, evt, replier)
	if !result.Success {
		return errors.New(result.Error)
	}
	return nil
}

// Route performs the wake-then-deliver sequence for one event. The event is
// delivered at most once: a failed POST is never retried, the failure is
// recorded and surfaced in the result. DeliveryLatencyMs covers the whole
// routing call, wake included.
func (r *Router) Route(ctx context.Context, evt *transport.Event, replier supervisor.Replier) *DeliveryResult {
	start := time.Now()
	result := &DeliveryResult{}

	agent, err := r.store.GetAgent(ctx, evt.AgentID)
	if err != nil {
		return r.fail(ctx, evt, result, start, fmt.Errorf("loading agent: %w", err))
	}

	if agent.Status != store.AgentRunning {
		result.AgentWasAsleep = true
		wake, err := r.waker.Wake(ctx, evt.AgentID, "integration", map[string]any{
			"integration_id": evt.IntegrationID,
			"event_type":     evt.Type,
		})
		if err != nil {
			return r.fail(ctx, evt, result, start, fmt.Errorf("waking agent: %w", err))
		}
		if !wake.Success {
			return r.fail(ctx, evt, result, start, fmt.Errorf("waking agent: %s", wake.Error))
		}
		result.WakeLatencyMs = wake.LatencyMs

		// wake updated the target, reload
		agent, err = r.store.GetAgent(ctx, evt.AgentID)
		if err != nil {
			return r.fail(ctx, evt, result, start, fmt.Errorf("reloading agent: %w", err))
		}
	}

	if agent.Target == nil || *agent.Target == "" {
		return r.fail(ctx, evt, result, start, ErrAgentUnreachable)
	}

	reply, err := r.deliver(ctx, *agent.Target, evt)
	result.DeliveryLatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return r.fail(ctx, evt, result, start, fmt.Errorf("delivering event: %w", err))
	}
	result.Success = true
	result.Reply = reply

	if err := r.waker.RecordActivity(ctx, evt.AgentID); err != nil {
		r.logger.Warn("failed to record activity", "agent_id", evt.AgentID, "error", err)
	}
	r.audit(ctx, evt, &store.ActivityEntry{
		AgentID:   evt.AgentID,
		Kind:      store.ActivityResponse,
		Trigger:   "integration",
		LatencyMs: result.DeliveryLatencyMs,
		Success:   true,
		Detail: map[string]any{
			"integration_id": evt.IntegrationID,
			"event_type":     evt.Type,
			"platform":       evt.Platform,
		},
	})

	if reply != "" && replier != nil {
		if err := replier.SendReply(ctx, evt, reply); err != nil {
			r.logger.Warn("failed to send reply",
				"integration_id", evt.IntegrationID,
				"error", err)
		}
	}
	return result
}

// deliver POSTs the event to the agent and extracts any reply text.
func (r *Router) deliver(ctx context.Context, target string, evt *transport.Event) (string, error) {
	body, err := json.Marshal(deliveryPayload{
		Type:       evt.Type,
		Platform:   evt.Platform,
		Timestamp:  evt.Timestamp,
		Payload:    evt.Payload,
		RespondTo:  evt.RespondTo,
		ReplyToken: evt.ReplyToken,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling delivery payload: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	url := strings.TrimSuffix(target, "/") + deliveryPath(evt.Platform)
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// a non-JSON body means no reply, not a failed delivery
		return "", nil
	}
	if parsed.Text != "" {
		return parsed.Text, nil
	}
	return parsed.Content, nil
}

// deliveryPath maps a platform tag to the agent-side endpoint.
func deliveryPath(platform string) string {
	switch platform {
	case transport.PlatformSlack:
		return "/slack"
	case transport.PlatformDiscord:
		return "/discord"
	case transport.PlatformTelegram:
		return "/telegram"
	default:
		return "/webhook"
	}
}

func (r *Router) fail(ctx context.Context, evt *transport.Event, result *DeliveryResult, start time.Time, err error) *DeliveryResult {
	result.Success = false
	result.Error = err.Error()
	result.DeliveryLatencyMs = time.Since(start).Milliseconds()
	r.logger.Warn("event routing failed",
		"agent_id", evt.AgentID,
		"integration_id", evt.IntegrationID,
		"event_type", evt.Type,
		"error", err)
	r.audit(ctx, evt, &store.ActivityEntry{
		AgentID:   evt.AgentID,
		Kind:      store.ActivityError,
		Trigger:   "integration",
		LatencyMs: result.DeliveryLatencyMs,
		Success:   false,
		Error:     err.Error(),
		Detail: map[string]any{
			"integration_id": evt.IntegrationID,
			"event_type":     evt.Type,
			"platform":       evt.Platform,
		},
	})
	return result
}

func (r *Router) audit(ctx context.Context, evt *transport.Event, entry *store.ActivityEntry) {
	if err := r.store.AppendActivity(ctx, entry); err != nil {
		r.logger.Warn("failed to append activity",
			"agent_id", evt.AgentID,
			"error", err)
	}
}
