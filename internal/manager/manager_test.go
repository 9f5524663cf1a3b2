package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stoqline/pulse/internal/config"
	"github.com/stoqline/pulse/internal/conn"
	"github.com/stoqline/pulse/internal/permission"
	"github.com/stoqline/pulse/internal/push"
	"github.com/stoqline/pulse/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend fakes the stream endpoint plus the push registration endpoint.
type backend struct {
	*httptest.Server

	mu            sync.Mutex
	conns         []*websocket.Conn
	refuse        bool
	refused       int
	registrations int32
}

// setRefusing toggles stream upgrade refusal to simulate backend outage.
func (b *backend) setRefusing(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

func (b *backend) refusedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refused
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		refusing := b.refuse
		if refusing {
			b.refused++
		}
		b.mu.Unlock()
		if refusing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.mu.Lock()
		b.conns = append(b.conns, c)
		b.mu.Unlock()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/notifications/subscribe", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.registrations, 1)
		w.WriteHeader(http.StatusCreated)
	})

	b.Server = httptest.NewServer(mux)
	return b
}

func (b *backend) push(t *testing.T, event string, payload interface{}) {
	t.Helper()

	b.mu.Lock()
	c := b.conns[len(b.conns)-1]
	b.mu.Unlock()

	raw, err := events.EncodeFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
}

type countingToaster struct {
	mu    sync.Mutex
	count int
}

func (c *countingToaster) Toast(key, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *countingToaster) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type grantedPrompter struct{}

func (grantedPrompter) Current() permission.State { return permission.StateGranted }
func (grantedPrompter) Request(context.Context) (permission.State, error) {
	return permission.StateGranted, nil
}

type autoRegistrar struct{ subscribes int32 }

func (r *autoRegistrar) Ready(context.Context) error { return nil }
func (r *autoRegistrar) Existing(context.Context) (*push.Subscription, error) {
	return nil, nil
}
func (r *autoRegistrar) Subscribe(context.Context, string) (*push.Subscription, error) {
	atomic.AddInt32(&r.subscribes, 1)
	return &push.Subscription{Endpoint: "https://push.example/s"}, nil
}

const managerTestKey = "BK8qN1dXh2mFzpW9YtR3cE5uLgJvTMs7xAoD4fHqZbCiOnkePVjwUyS0G6l8aIrB2mX1tKdQ9oEwNhFgc7vZJpM"

func testConfig(t *testing.T, b *backend) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = b.URL + "/api"
	cfg.Server.ReconnectDelayMs = 20
	cfg.Counter.DataDir = t.TempDir()
	cfg.Dedup.TTLMs = 150
	return cfg
}

func startManager(t *testing.T, cfg *config.Config, opts Options) *Manager {
	t.Helper()

	m, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	m.Start(conn.Identity{Role: "admin", SubjectID: "u1"})
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)
	return m
}

func TestDuplicateDeliveredExactlyOnce(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	toaster := &countingToaster{}
	m := startManager(t, testConfig(t, b), Options{Toaster: toaster})

	ev := events.Event{ID: "req-1", Message: "Nova solicitação"}
	b.push(t, events.EventNotification, ev)
	b.push(t, events.EventNotification, ev)

	require.Eventually(t, func() bool { return toaster.total() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Let the duplicate settle; the count must not move.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, toaster.total())
	assert.Equal(t, 1, m.UnreadCount())

	// After the TTL the same id is a new event again.
	time.Sleep(200 * time.Millisecond)
	b.push(t, events.EventNotification, ev)
	require.Eventually(t, func() bool { return toaster.total() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.UnreadCount())
}

func TestSilentNewRequestCountsWithoutToast(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	toaster := &countingToaster{}
	m := startManager(t, testConfig(t, b), Options{Toaster: toaster})

	b.push(t, events.EventNewRequest, events.Event{ID: "req-2", Message: "m"})

	require.Eventually(t, func() bool { return m.UnreadCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, toaster.total(), "new_request is counter-only")
}

func TestIncrementSuppressedWhileInboxActive(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	toaster := &countingToaster{}
	m := startManager(t, testConfig(t, b), Options{
		Toaster:    toaster,
		ActivePath: func() string { return "/solicitacoes" },
	})

	b.push(t, events.EventNotification, events.Event{ID: "req-3", Message: "m"})

	require.Eventually(t, func() bool { return toaster.total() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.UnreadCount(), "inbox view is active, counter must not move")
}

func TestPermissionsRoutedToBridge(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	toaster := &countingToaster{}
	var mu sync.Mutex
	var got events.PermissionSet
	m := startManager(t, testConfig(t, b), Options{
		Toaster: toaster,
		PermissionUpdater: func(perms events.PermissionSet) {
			mu.Lock()
			got = perms
			mu.Unlock()
		},
	})

	b.push(t, events.EventPermissions, events.PermissionSet{"estoque.editar": true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, got["estoque.editar"])
	mu.Unlock()

	// Permission updates are not notifications.
	assert.Equal(t, 0, toaster.total())
	assert.Equal(t, 0, m.UnreadCount())
}

func TestPushArmedOnConnectWhenGranted(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	cfg := testConfig(t, b)
	cfg.Push.AppServerKey = managerTestKey

	registrar := &autoRegistrar{}
	m := startManager(t, cfg, Options{
		Toaster:   &countingToaster{},
		Registrar: registrar,
		Prompter:  grantedPrompter{},
	})

	require.Eventually(t, m.PushArmed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&registrar.subscribes))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.registrations))
}

func TestRequestPermissionArmsOnGrant(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	cfg := testConfig(t, b)
	cfg.Push.AppServerKey = managerTestKey

	registrar := &autoRegistrar{}
	m, err := New(cfg, Options{
		Toaster:   &countingToaster{},
		Registrar: registrar,
		Prompter:  grantedPrompter{},
	})
	require.NoError(t, err)
	defer m.Close()

	m.RequestPermission(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&registrar.subscribes))
}

func TestCounterSurvivesManagerRestart(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	cfg := testConfig(t, b)

	m, err := New(cfg, Options{Toaster: &countingToaster{}})
	require.NoError(t, err)
	m.Start(conn.Identity{Role: "admin", SubjectID: "u1"})
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	b.push(t, events.EventNotification, events.Event{ID: "req-4", Message: "m"})
	require.Eventually(t, func() bool { return m.UnreadCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())

	// Simulated reload: fresh instance over the same storage.
	m2, err := New(cfg, Options{Toaster: &countingToaster{}})
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, 1, m2.UnreadCount())

	require.NoError(t, m2.ResetUnread())
	assert.Equal(t, 0, m2.UnreadCount())
}

func TestSetIdentitySameUserReconnectsAfterOutage(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	cfg := testConfig(t, b)
	cfg.Server.ReconnectAttempts = 2

	identity := conn.Identity{Role: "admin", SubjectID: "u1"}
	m, err := New(cfg, Options{Toaster: &countingToaster{}})
	require.NoError(t, err)
	defer m.Close()

	m.Start(identity)
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	// Backend outage: refuse upgrades and drop the live connection so
	// the reconnect budget gets spent.
	b.setRefusing(true)
	b.mu.Lock()
	b.conns[len(b.conns)-1].Close()
	b.mu.Unlock()

	require.Eventually(t, func() bool { return b.refusedCount() >= 2 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.IsConnected() },
		2*time.Second, 5*time.Millisecond)

	// Re-authentication as the same user must bring the stream back.
	b.setRefusing(false)

	require.Eventually(t, func() bool {
		m.SetIdentity(identity)
		return m.IsConnected()
	}, 2*time.Second, 10*time.Millisecond, "same-identity re-auth should reconnect")
}

func TestSetIdentityAbsentStops(t *testing.T) {
	b := newBackend(t)
	defer b.Close()

	m := startManager(t, testConfig(t, b), Options{Toaster: &countingToaster{}})

	m.SetIdentity(conn.Identity{})

	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 5*time.Millisecond)
}
