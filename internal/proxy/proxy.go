// ABOUTME: Wake-on-request HTTP proxy: routes by agent slug, wakes sleeping targets
// ABOUTME: Filters request headers through an allow-list and streams responses back

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentiom/agentiom/internal/lifecycle"
	"github.com/agentiom/agentiom/internal/store"
)

// Waker is the slice of the lifecycle orchestrator the proxy needs.
type Waker interface {
	Wake(ctx context.Context, agentID, triggerType string, triggerContext map[string]any) (*lifecycle.WakeResult, error)
	RecordActivity(ctx context.Context, agentID string) error
}

// allowedHeaders is the request header allow-list. Everything else from the
// caller is dropped so platform credentials and cookies never reach agents.
var allowedHeaders = map[string]bool{
	"Content-Type":    true,
	"Accept":          true,
	"Authorization":   true,
	"X-Request-Id":    true,
	"X-Forwarded-For": true,
	"User-Agent":      true,
}

const (
	headerAgentID   = "X-Agentiom-Agent-Id"
	headerAgentSlug = "X-Agentiom-Agent-Slug"
	headerInstance  = "X-Agentiom-Instance"
	headerLatency   = "X-Agentiom-Proxy-Latency-Ms"
)

// Proxy forwards HTTP requests to agent compute by slug, waking sleeping
// agents before forwarding.
type Proxy struct {
	store  store.Store
	waker  Waker
	client *http.Client
	logger *slog.Logger
}

// New creates a Proxy.
func New(st store.Store, waker Waker, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		store:  st,
		waker:  waker,
		client: &http.Client{},
		logger: logger.With("component", "proxy"),
	}
}

// ServeHTTP routes /{slug}/rest... to the agent registered under slug.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	slug, rest := splitSlug(r.URL.Path)
	if slug == "" {
		writeProxyError(w, http.StatusNotFound, "missing agent slug")
		return
	}

	agent, err := p.store.GetAgentBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeProxyError(w, http.StatusNotFound, "Agent not found")
			return
		}
		p.logger.Error("failed to load agent", "slug", slug, "error", err)
		writeProxyError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	if agent.Status != store.AgentRunning {
		wake, err := p.waker.Wake(r.Context(), agent.ID, "webhook", map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		})
		if err != nil || !wake.Success {
			reason := "wake failed"
			if err != nil {
				reason = err.Error()
			} else if wake.Error != "" {
				reason = wake.Error
			}
			p.logger.Warn("agent failed to wake for request",
				"agent_id", agent.ID,
				"slug", slug,
				"error", reason)
			writeProxyError(w, http.StatusServiceUnavailable, "agent is not ready")
			return
		}
		agent, err = p.store.GetAgent(r.Context(), agent.ID)
		if err != nil {
			writeProxyError(w, http.StatusInternalServerError, "failed to load agent")
			return
		}
	}

	if agent.Target == nil || *agent.Target == "" {
		writeProxyError(w, http.StatusServiceUnavailable, "agent has no network target")
		return
	}

	p.forward(w, r, agent, rest, start)
}

// forward sends the filtered request upstream and streams the response back.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, agent *store.Agent, rest string, start time.Time) {
	url := strings.TrimSuffix(*agent.Target, "/") + "/" + rest
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "failed to build upstream request")
		return
	}

	for name, values := range r.Header {
		if !allowedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	req.Header.Set(headerAgentID, agent.ID)
	req.Header.Set(headerAgentSlug, agent.Slug)
	if agent.InstanceID != nil {
		req.Header.Set(headerInstance, *agent.InstanceID)
	}

	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		status := classifyUpstreamError(err)
		p.logger.Warn("upstream request failed",
			"agent_id", agent.ID,
			"status", status,
			"error", err)
		p.audit(r.Context(), agent.ID, r, latency, false, err.Error())
		if status == http.StatusServiceUnavailable {
			writeProxyError(w, status, "agent is not ready")
		} else {
			writeProxyError(w, status, "upstream request failed")
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(headerLatency, strconv.FormatInt(latency, 10))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("response stream interrupted", "agent_id", agent.ID, "error", err)
	}

	if err := p.waker.RecordActivity(r.Context(), agent.ID); err != nil {
		p.logger.Warn("failed to record activity", "agent_id", agent.ID, "error", err)
	}
	p.audit(r.Context(), agent.ID, r, latency, true, "")
}

// classifyUpstreamError distinguishes "agent not ready" conditions from
// genuine proxy failures. Refused connections and timeouts mean the compute
// is still coming up, so callers get 503 and may retry.
func classifyUpstreamError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (p *Proxy) audit(ctx context.Context, agentID string, r *http.Request, latencyMs int64, success bool, errText string) {
	entry := &store.ActivityEntry{
		AgentID:   agentID,
		Kind:      store.ActivityRequest,
		Trigger:   "webhook",
		LatencyMs: latencyMs,
		Success:   success,
		Error:     errText,
		Detail: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	}
	if err := p.store.AppendActivity(ctx, entry); err != nil {
		p.logger.Warn("failed to append activity", "agent_id", agentID, "error", err)
	}
}

// splitSlug separates the leading slug segment from the remainder of the
// path. "/helper/api/chat" yields ("helper", "api/chat").
func splitSlug(path string) (slug, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func writeProxyError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
