package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/metrics"
	"github.com/stoqline/pulse/internal/rooms"
	"github.com/stoqline/pulse/internal/telemetry"
	"github.com/stoqline/pulse/pkg/events"
	"go.opentelemetry.io/otel/attribute"
)

// State is the transport connection state. It is owned exclusively by the
// Manager and transitions only inside its lifecycle callbacks.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Identity is the session identity supplied by the auth layer. The
// manager treats it as read-only input.
type Identity struct {
	Role      string
	SubjectID string
}

// present reports whether a session is active.
func (id Identity) present() bool {
	return id.SubjectID != "" || id.Role != ""
}

// Handler processes the payload of one inbound event.
type Handler func(data json.RawMessage)

// Config contains connection manager configuration
type Config struct {
	// API base URL; a trailing /api segment is stripped to find the
	// stream endpoint
	BaseURL string

	// Bounded automatic-reconnect attempt count
	ReconnectAttempts int

	// Base delay between reconnect attempts
	ReconnectDelay time.Duration

	// Dial handshake timeout
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Manager owns one transport connection per active session. On every
// successful (re)connect it re-issues room joins, since the server keeps
// no membership across a reconnect, and invokes the connect hook. Once
// reconnect attempts are exhausted it stays disconnected until the next
// Start: degraded mode is the caller's polling refresh, not an error.
type Manager struct {
	config Config
	dialer *websocket.Dialer

	identity  Identity
	onConnect func(ctx context.Context)

	mu       sync.Mutex
	handlers map[string]Handler
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}

	state int32

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a connection manager. onConnect runs after room
// joins on every successful connect; it may be nil.
func NewManager(config Config, onConnect func(ctx context.Context)) *Manager {
	if config.ReconnectAttempts <= 0 {
		config.ReconnectAttempts = DefaultConfig().ReconnectAttempts
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}

	return &Manager{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		handlers:  make(map[string]Handler),
		onConnect: onConnect,
		logger:    logging.Component("conn"),
		metrics:   metrics.GetMetrics(),
	}
}

// StreamURL derives the websocket endpoint from the API base URL: a
// trailing /api path segment is removed and the scheme mapped to ws(s).
func StreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	p := strings.TrimSuffix(u.Path, "/")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p + "/stream"
	u.RawQuery = ""

	return u.String(), nil
}

// On registers a handler for an inbound event. Handlers registered after
// Start are picked up on the next dispatch.
func (m *Manager) On(event string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = handler
}

// Start opens the connection for the given identity. Absent identity is a
// no-op. The connection becomes observable through State transitions;
// Start itself returns immediately.
func (m *Manager) Start(identity Identity) {
	if !identity.present() {
		return
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.identity = identity
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)

		// run exiting on its own (attempt budget spent) must leave the
		// manager startable again; only Stop races us here, and it has
		// already detached this session if it won.
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
			cancel()
		}
		m.mu.Unlock()
	}()
}

// run drives the connect/read/reconnect cycle until ctx is canceled or
// the attempt budget is spent.
func (m *Manager) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		m.metrics.ConnectAttempts.Inc()

		conn, err := m.dial(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			attempts++
			if attempts >= m.config.ReconnectAttempts {
				m.logger.Warn().Int("attempts", attempts).Msg("Reconnect attempts exhausted, staying disconnected")
				return
			}
			select {
			case <-time.After(m.config.ReconnectDelay * time.Duration(attempts)):
			case <-ctx.Done():
				return
			}
			continue
		}

		if attempts > 0 {
			m.metrics.Reconnects.Inc()
		}
		attempts = 0

		connectedAt := time.Now()
		m.handleConnect(ctx, conn)
		m.readLoop(ctx, conn)
		m.handleDisconnect()
		m.metrics.ConnectionDuration.Observe(time.Since(connectedAt).Seconds())

		attempts++
		if attempts >= m.config.ReconnectAttempts {
			m.logger.Warn().Msg("Reconnect attempts exhausted after disconnect")
			return
		}
		select {
		case <-time.After(m.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := StreamURL(m.config.BaseURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		m.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Dial failed")
		return nil, err
	}
	return conn, nil
}

// handleConnect is the onConnect lifecycle callback: state transition,
// fresh room joins, then the connect hook (push arming lives there).
func (m *Manager) handleConnect(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	role := m.identity.Role
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info().Str("role", role).Msg("Connected")

	ctx, span := telemetry.StartSpan(ctx, "stream.connect")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.String("role", role))

	// A fresh connection has no server-side membership: joins are issued
	// unconditionally on every connect.
	for _, room := range rooms.Compute(role) {
		if err := m.send(events.EventJoinRoom, events.JoinRoomPayload{Room: room}); err != nil {
			m.logger.Warn().Err(err).Str("room", room).Msg("Failed to join room")
			continue
		}
		m.metrics.RoomJoinsTotal.WithLabelValues(room).Inc()
	}

	if m.onConnect != nil {
		m.onConnect(ctx)
	}
}

// handleDisconnect is the onDisconnect lifecycle callback. Join intent is
// not cleared: the next connect re-issues every join.
func (m *Manager) handleDisconnect() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.setState(StateDisconnected)
	m.logger.Info().Msg("Disconnected")
}

// readLoop dispatches inbound frames in arrival order until the
// connection drops or ctx is canceled.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debug().Err(err).Msg("Read error")
			return
		}

		env, err := events.DecodeFrame(raw)
		if err != nil {
			m.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if env.Event == events.EventHeartbeat {
			continue
		}

		m.metrics.EventsReceivedTotal.WithLabelValues(env.Event).Inc()

		m.mu.Lock()
		handler := m.handlers[env.Event]
		m.mu.Unlock()

		if handler == nil {
			m.logger.Debug().Str("event", env.Event).Msg("No handler for event")
			continue
		}
		handler(env.Data)
	}
}

// send writes one outbound frame.
func (m *Manager) send(event string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := events.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Stop tears the connection down: every handler is removed as one atomic
// step, the socket is closed, and the state resets to disconnected. Safe
// to call on every exit path.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.handlers = make(map[string]Handler)
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	m.setState(StateDisconnected)
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

// IsConnected reports whether the transport is currently established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
	m.metrics.ConnectionState.Set(float64(s))
}
