// ABOUTME: Store interface and data types for agentiom-supervisor persistence
// ABOUTME: Defines Agent, Integration, ActivityEntry and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrAgentNotFound is returned when a requested agent does not exist
var ErrAgentNotFound = errors.New("agent not found")

// ErrIntegrationNotFound is returned when a requested integration does not exist
var ErrIntegrationNotFound = errors.New("integration not found")

// ErrDuplicateSlug is returned when creating an agent whose slug is taken
var ErrDuplicateSlug = errors.New("agent slug already exists")

// AgentStatus is the lifecycle state of an agent's compute.
// Transitions are performed only by the lifecycle orchestrator.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentDeploying AgentStatus = "deploying"
	AgentRunning   AgentStatus = "running"
	AgentSleeping  AgentStatus = "sleeping"
	AgentStopped   AgentStatus = "stopped"
	AgentError     AgentStatus = "error"
	AgentDestroyed AgentStatus = "destroyed"
)

// Agent represents one unit of ephemeral compute with persistent identity.
type Agent struct {
	ID              string
	Slug            string // unique routing key
	Status          AgentStatus
	Target          *string // network target URL, nil until deployed
	InstanceID      *string // compute instance pin for sticky routing
	IdleTimeoutMins int
	AutoSleep       bool
	LastActivityAt  *time.Time
	LastWakeAt      *time.Time
	LastSleepAt     *time.Time
	WakeCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IntegrationStatus is the connection state of an integration.
type IntegrationStatus string

const (
	IntegrationPending      IntegrationStatus = "pending"
	IntegrationConnecting   IntegrationStatus = "connecting"
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
	IntegrationError        IntegrationStatus = "error"
	IntegrationDisabled     IntegrationStatus = "disabled"
)

// Integration represents a configured connection from one agent to one
// external messaging platform.
type Integration struct {
	ID          string
	AgentID     string
	Platform    string          // "slack", "discord", "telegram", "websocket"
	Credentials json.RawMessage // opaque, handed through to the transport driver
	EventFilter []string        // optional allow-list of event type names
	Enabled     bool
	Status      IntegrationStatus

	EventsReceived  int
	EventsDelivered int
	EventsFailed    int
	RetryCount      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allows reports whether the integration's event filter admits the given
// event type. An empty filter admits everything.
func (i *Integration) Allows(eventType string) bool {
	if len(i.EventFilter) == 0 {
		return true
	}
	for _, t := range i.EventFilter {
		if t == eventType {
			return true
		}
	}
	return false
}

// Store defines the persistence interface consumed by the supervisor,
// orchestrator, router and proxy.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentBySlug(ctx context.Context, slug string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	UpdateAgentTarget(ctx context.Context, id string, target, instanceID *string) error
	UpdateAgentAutoSleep(ctx context.Context, id string, enabled bool, idleTimeoutMins int) error
	MarkAgentAwake(ctx context.Context, id string, at time.Time) error
	MarkAgentAsleep(ctx context.Context, id string, at time.Time) error
	TouchAgentActivity(ctx context.Context, id string, at time.Time) error

	// Integrations
	CreateIntegration(ctx context.Context, integration *Integration) error
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context) ([]*Integration, error)
	ListEnabledIntegrations(ctx context.Context) ([]*Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id string, status IntegrationStatus) error
	UpdateIntegrationEnabled(ctx context.Context, id string, enabled bool) error
	UpdateIntegrationRetryCount(ctx context.Context, id string, retryCount int) error
	IncrementIntegrationCounters(ctx context.Context, id string, received, delivered, failed int) error
	DeleteIntegration(ctx context.Context, id string) error

	// Activity log
	AppendActivity(ctx context.Context, e *ActivityEntry) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error)

	// Close releases the underlying database handle.
	Close() error
}
