// Package supervisor keeps the platform connections alive. It owns one
// transport driver per enabled integration, reconnects with exponential
// backoff when sockets drop, reconnects stale connections found by the
// health probe, and feeds inbound events through the integration's filter to
// the event handler. It also exposes the connection management HTTP surface,
// including the webhook injection endpoint for push-mode platforms.
package supervisor
