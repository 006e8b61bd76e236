// ABOUTME: Tests for connection supervision: backoff, retries, filtering
// ABOUTME: Uses a fake driver factory so no network is involved

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentiom/agentiom/internal/dedupe"
	"github.com/agentiom/agentiom/internal/store"
	"github.com/agentiom/agentiom/internal/transport"
)

type fakeDriver struct {
	mu          sync.Mutex
	cfg         transport.Config
	connectErr  error
	connects    int
	disconnects int
	injected    []json.RawMessage
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.connects++
	err := d.connectErr
	cb := d.cfg.Callbacks
	d.mu.Unlock()
	if err != nil {
		return err
	}
	cb.OnConnected()
	return nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	d.disconnects++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) SendReply(ctx context.Context, evt *transport.Event, text string) error {
	return nil
}

func (d *fakeDriver) InjectUpdate(payload json.RawMessage) error {
	d.mu.Lock()
	d.injected = append(d.injected, payload)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) emit(evt *transport.Event) {
	d.mu.Lock()
	cb := d.cfg.Callbacks
	d.mu.Unlock()
	cb.OnEvent(evt)
}

// fakeFactory hands out fakeDrivers and remembers every one it built.
type fakeFactory struct {
	mu         sync.Mutex
	connectErr error
	drivers    []*fakeDriver
}

func (f *fakeFactory) factory(cfg transport.Config) (transport.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &fakeDriver{cfg: cfg, connectErr: f.connectErr}
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*transport.Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, evt *transport.Event, replier Replier) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func seedIntegration(t *testing.T, st *store.MockStore, id string, filter []string) *store.Integration {
	t.Helper()
	integration := &store.Integration{
		ID:          id,
		AgentID:     "agent-1",
		Platform:    "websocket",
		Credentials: json.RawMessage(`{"url":"ws://example/ws"}`),
		EventFilter: filter,
		Enabled:     true,
		Status:      store.IntegrationPending,
	}
	require.NoError(t, st.CreateIntegration(context.Background(), integration))
	return integration
}

func newTestSupervisor(st *store.MockStore, factory *fakeFactory, handler EventHandler) *Supervisor {
	return New(Options{
		Store:      st,
		Handler:    handler,
		Factories:  map[string]transport.Factory{"websocket": factory.factory},
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
}

func TestConnectIsIdempotentWhileLive(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	require.NoError(t, sup.Connect(context.Background(), "int-1"))

	assert.Equal(t, 1, factory.built())
	integration, err := st.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, store.IntegrationConnected, integration.Status)
}

func TestConnectRejectsDisabledIntegration(t *testing.T) {
	st := store.NewMockStore()
	integration := seedIntegration(t, st, "int-1", nil)
	integration.Enabled = false
	require.NoError(t, st.UpdateIntegrationEnabled(context.Background(), "int-1", false))

	sup := newTestSupervisor(st, &fakeFactory{}, nil)
	err := sup.Connect(context.Background(), "int-1")
	require.ErrorIs(t, err, ErrIntegrationDisabled)
}

func TestRetriesStopAtCap(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{connectErr: errors.New("refused")}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))

	require.Eventually(t, func() bool {
		integration, err := st.GetIntegration(context.Background(), "int-1")
		return err == nil && integration.Status == store.IntegrationError
	}, 5*time.Second, 10*time.Millisecond)

	integration, err := st.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, 3, integration.RetryCount)
	// first dial plus three retries
	assert.Equal(t, 4, factory.built())
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 1; attempt <= 5; attempt++ {
		floor := base << (attempt - 1)
		d := backoffDelay(base, max, attempt)
		assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
		assert.LessOrEqual(t, d, floor+time.Second, "attempt %d", attempt)
	}

	// deep attempts saturate at the cap
	assert.Equal(t, max, backoffDelay(base, max, 20))
}

func TestEventFilterDropsUnlistedTypes(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", []string{"message"})
	factory := &fakeFactory{}
	handler := &recordingHandler{}
	sup := newTestSupervisor(st, factory, handler)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	driver := factory.drivers[0]

	driver.emit(&transport.Event{IntegrationID: "int-1", Type: "reaction_added"})
	driver.emit(&transport.Event{IntegrationID: "int-1", Type: "message"})

	require.Eventually(t, func() bool {
		return handler.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "message", handler.events[0].Type)

	integration, err := st.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, integration.EventsReceived)
	require.Eventually(t, func() bool {
		i, err := st.GetIntegration(context.Background(), "int-1")
		return err == nil && i.EventsDelivered == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerErrorCountsAsFailed(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{}
	handler := &recordingHandler{err: errors.New("delivery failed")}
	sup := newTestSupervisor(st, factory, handler)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	factory.drivers[0].emit(&transport.Event{IntegrationID: "int-1", Type: "message"})

	require.Eventually(t, func() bool {
		i, err := st.GetIntegration(context.Background(), "int-1")
		return err == nil && i.EventsFailed == 1 && i.EventsDelivered == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	require.NoError(t, sup.Disconnect(context.Background(), "int-1"))
	require.NoError(t, sup.Disconnect(context.Background(), "int-1"))

	assert.Equal(t, 1, factory.drivers[0].disconnects)
	integration, err := st.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, store.IntegrationDisconnected, integration.Status)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{connectErr: errors.New("refused")}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	require.NoError(t, sup.Disconnect(context.Background(), "int-1"))

	built := factory.built()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, built, factory.built(), "retry fired after disconnect")
}

func TestDialAbortsAfterDisconnect(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	sup.mu.Lock()
	conn := sup.conns["int-1"]
	sup.mu.Unlock()
	require.NotNil(t, conn)

	require.NoError(t, sup.Disconnect(context.Background(), "int-1"))

	// A retry attempt that already passed its closing check when the
	// disconnect happened must not bring up a connection nobody tracks.
	require.NoError(t, sup.dial(context.Background(), conn))

	sup.mu.Lock()
	_, tracked := sup.conns["int-1"]
	sup.mu.Unlock()
	assert.False(t, tracked, "torn-down integration re-registered")

	factory.mu.Lock()
	connects := 0
	for _, d := range factory.drivers {
		d.mu.Lock()
		connects += d.connects
		d.mu.Unlock()
	}
	factory.mu.Unlock()
	assert.Equal(t, 1, connects, "orphaned driver connected")

	integration, err := st.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, store.IntegrationDisconnected, integration.Status)
}

func TestResumeConnectsOnlyEnabled(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	seedIntegration(t, st, "int-2", nil)
	disabled := seedIntegration(t, st, "int-3", nil)
	disabled.Enabled = false
	require.NoError(t, st.UpdateIntegrationEnabled(context.Background(), "int-3", false))

	factory := &fakeFactory{}
	sup := newTestSupervisor(st, factory, nil)
	require.NoError(t, sup.Resume(context.Background()))

	assert.Equal(t, 2, factory.built())
}

func TestInjectWebhookDeduplicates(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	factory := &fakeFactory{}
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()

	sup := New(Options{
		Store:      st,
		Dedupe:     cache,
		Factories:  map[string]transport.Factory{"websocket": factory.factory},
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})
	require.NoError(t, sup.Connect(context.Background(), "int-1"))

	payload := []byte(`{"update_id":1}`)
	require.NoError(t, sup.InjectWebhook(context.Background(), "websocket", "int-1", "key-1", payload))
	err := sup.InjectWebhook(context.Background(), "websocket", "int-1", "key-1", payload)
	require.ErrorIs(t, err, ErrDuplicateEvent)

	assert.Len(t, factory.drivers[0].injected, 1)
}

func TestInjectWebhookPlatformMismatch(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	sup := newTestSupervisor(st, &fakeFactory{}, nil)

	err := sup.InjectWebhook(context.Background(), "telegram", "int-1", "k", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestInjectWebhookRequiresLiveConnection(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	sup := newTestSupervisor(st, &fakeFactory{}, nil)

	err := sup.InjectWebhook(context.Background(), "websocket", "int-1", "k", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestGetStatsGroupsByStatusAndPlatform(t *testing.T) {
	st := store.NewMockStore()
	seedIntegration(t, st, "int-1", nil)
	seedIntegration(t, st, "int-2", nil)
	factory := &fakeFactory{}
	sup := newTestSupervisor(st, factory, nil)

	require.NoError(t, sup.Connect(context.Background(), "int-1"))
	require.NoError(t, sup.Connect(context.Background(), "int-2"))

	stats := sup.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[string(store.IntegrationConnected)])
	assert.Equal(t, 2, stats.ByPlatform["websocket"])
	assert.Len(t, stats.Connections, 2)
}
