package manager

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/config"
	"github.com/stoqline/pulse/internal/conn"
	"github.com/stoqline/pulse/internal/counter"
	"github.com/stoqline/pulse/internal/dedup"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/permission"
	"github.com/stoqline/pulse/internal/push"
	"github.com/stoqline/pulse/internal/sink"
	"github.com/stoqline/pulse/pkg/events"
)

// Options are the platform surfaces the subsystem cannot provide itself.
// Any of them may be nil/absent; the corresponding capability degrades to
// a no-op.
type Options struct {
	// Push registration surface
	Registrar push.Registrar

	// Owner of the OS notification permission
	Prompter permission.Prompter

	// In-app toast channel; defaults to the structured log
	Toaster sink.Toaster

	// OS notification channel
	Notifier sink.Notifier

	// First-gesture source for the consent flow
	Gestures <-chan struct{}

	// ActivePath reports the route the user is currently viewing
	ActivePath func() string

	// PermissionUpdater receives server-pushed permission sets. It must
	// be referentially stable for the session's lifetime.
	PermissionUpdater func(events.PermissionSet)
}

// Manager is the long-lived subsystem instance. It owns the transport
// connection and the dedup set exclusively and exposes them to the rest
// of the application only as read-only derived state (IsConnected,
// UnreadCount) plus two commands (ResetUnread, RequestPermission).
type Manager struct {
	cfg  *config.Config
	opts Options

	conn    *conn.Manager
	cache   *dedup.Cache
	counter *counter.Store
	push    *push.Manager
	sink    *sink.Sink
	bridge  *permission.Bridge

	mu       sync.Mutex
	identity conn.Identity
	started  bool
	cancel   context.CancelFunc

	logger zerolog.Logger
}

// New builds the subsystem and rehydrates persisted state. Call Close to
// release the counter store.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if opts.Toaster == nil {
		opts.Toaster = sink.LogToaster{Logger: logging.Component("toast")}
	}
	if opts.ActivePath == nil {
		opts.ActivePath = func() string { return "" }
	}

	store, err := counter.Open(cfg.ToCounterConfig())
	if err != nil {
		return nil, err
	}

	deliverySink, err := sink.NewSink(cfg.ToSinkConfig(), opts.Toaster, opts.Notifier, opts.Prompter)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		opts:    opts,
		cache:   dedup.NewCache(cfg.ToDedupConfig()),
		counter: store,
		push:    push.NewManager(cfg.ToPushConfig(), opts.Registrar),
		sink:    deliverySink,
		bridge:  permission.NewBridge(opts.PermissionUpdater),
		logger:  logging.Component("manager"),
	}

	m.conn = conn.NewManager(cfg.ToConnConfig(), m.onConnect)
	return m, nil
}

// onConnect runs on every successful (re)connect, after room joins.
func (m *Manager) onConnect(ctx context.Context) {
	if m.opts.Prompter != nil && m.opts.Prompter.Current() == permission.StateGranted {
		m.push.Arm(ctx)
	}
}

// Start wires event handlers and opens the connection for the given
// identity. Absent identity is a no-op. Calling Start while running is a
// no-op; change identity via SetIdentity.
func (m *Manager) Start(identity conn.Identity) {
	if identity.Role == "" && identity.SubjectID == "" {
		return
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.identity = identity
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	role := identity.Role

	m.conn.On(events.EventNotification, func(data json.RawMessage) {
		ev, ok := m.decode(data)
		if !ok {
			return
		}
		id, ok := m.cache.Accept(ev)
		if !ok {
			return
		}
		m.sink.Present(ctx, ev, id, role)
		m.increment()
	})

	m.conn.On(events.EventNewRequest, func(data json.RawMessage) {
		// Counter-only: no user-visible delivery.
		ev, ok := m.decode(data)
		if !ok {
			return
		}
		if _, ok := m.cache.Accept(ev); !ok {
			return
		}
		m.increment()
	})

	m.conn.On(events.EventPermissions, func(data json.RawMessage) {
		var perms events.PermissionSet
		if err := json.Unmarshal(data, &perms); err != nil {
			m.logger.Debug().Err(err).Msg("Dropping malformed permission set")
			return
		}
		m.bridge.OnPermissionsUpdated(perms)
	})

	if m.opts.Prompter != nil && m.opts.Gestures != nil {
		flow := permission.NewConsentFlow(m.opts.Prompter, func(ctx context.Context) {
			m.push.Arm(ctx)
		})
		go flow.Watch(ctx, m.opts.Gestures)
	}

	m.conn.Start(identity)
	m.logger.Info().Str("role", role).Msg("Subsystem started")
}

// Stop tears the session down: transport handlers removed, socket
// closed, pending dedup evictions canceled, consent watcher released.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.conn.Stop()
	m.cache.Stop()
	m.logger.Info().Msg("Subsystem stopped")
}

// SetIdentity reacts to session changes: absent stops the subsystem, a
// new identity restarts it so rooms and handlers match the new role.
func (m *Manager) SetIdentity(identity conn.Identity) {
	m.mu.Lock()
	current := m.identity
	started := m.started
	m.mu.Unlock()

	if identity.Role == "" && identity.SubjectID == "" {
		m.Stop()
		return
	}
	// Same identity is a no-op only while the transport is still alive;
	// after the reconnect budget is spent a re-auth with the same user
	// must bring the stream back.
	if started && current == identity && m.conn.State() != conn.StateDisconnected {
		return
	}
	if started {
		m.Stop()
	}
	// A fresh dedup cache for the new session; the old one's timers are
	// already canceled.
	m.mu.Lock()
	m.cache = dedup.NewCache(m.cfg.ToDedupConfig())
	m.mu.Unlock()
	m.Start(identity)
}

// IsConnected reports whether the transport is established.
func (m *Manager) IsConnected() bool {
	return m.conn.IsConnected()
}

// UnreadCount returns the persisted unread counter value.
func (m *Manager) UnreadCount() int {
	return m.counter.Value()
}

// PushArmed reports whether a push registration has completed.
func (m *Manager) PushArmed() bool {
	return m.push.Subscribed()
}

// ResetUnread zeroes the unread counter; call it when the user enters
// the inbox view.
func (m *Manager) ResetUnread() error {
	return m.counter.Reset()
}

// RequestPermission runs the explicit consent request and arms push on a
// grant. Call it from a user gesture.
func (m *Manager) RequestPermission(ctx context.Context) {
	if m.opts.Prompter == nil {
		return
	}
	switch m.opts.Prompter.Current() {
	case permission.StateGranted:
		m.push.Arm(ctx)
	case permission.StateDefault:
		state, err := m.opts.Prompter.Request(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Permission request failed")
			return
		}
		if state == permission.StateGranted {
			m.push.Arm(ctx)
		}
	}
}

// Close stops the subsystem and releases persistent resources.
func (m *Manager) Close() error {
	m.Stop()
	return m.counter.Close()
}

// decode parses an inbound notification payload.
func (m *Manager) decode(data json.RawMessage) (events.Event, bool) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Debug().Err(err).Msg("Dropping malformed event payload")
		return ev, false
	}
	return ev, true
}

// increment bumps the unread counter unless the inbox view is active.
func (m *Manager) increment() {
	if err := m.counter.Increment(m.opts.ActivePath()); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist unread counter")
	}
}
