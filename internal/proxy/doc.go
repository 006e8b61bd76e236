// Package proxy implements the wake-on-request HTTP surface. Requests are
// routed by the leading path segment to the agent registered under that
// slug; a sleeping agent is woken before the request is forwarded. Inbound
// headers pass through an allow-list, the proxy stamps agent identity and
// instance affinity headers, and responses are streamed back with the proxy
// latency recorded in a trailer-style header. A refused or timed-out
// upstream is reported as 503 so callers know to retry; anything else
// upstream-fatal is a 502.
package proxy
