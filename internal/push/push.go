package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/metrics"
	"github.com/stoqline/pulse/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Minimum decoded length of a usable application server key. VAPID public
// keys are 65-byte uncompressed P-256 points; anything much shorter is a
// placeholder left in the deployment config.
const minAppServerKeyBytes = 32

// Subscription is the serialized push registration sent to the server.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// SubscriptionKeys carries the client encryption material.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Registrar is the platform push surface: service worker readiness plus
// the subscription lifecycle. A nil Registrar means the capability is
// absent on this host.
type Registrar interface {
	// Ready blocks until the service worker is active.
	Ready(ctx context.Context) error

	// Existing returns the current subscription, or nil if there is none.
	Existing(ctx context.Context) (*Subscription, error)

	// Subscribe creates a new subscription bound to the application
	// server key.
	Subscribe(ctx context.Context, appServerKey string) (*Subscription, error)
}

// Config contains push manager configuration
type Config struct {
	// API base URL of the backend
	BaseURL string

	// Registration endpoint path
	SubscribePath string

	// URL-safe base64 application server key
	AppServerKey string

	// HTTP timeout for the registration call
	Timeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		SubscribePath: "/notifications/subscribe",
		Timeout:       10 * time.Second,
	}
}

// Manager owns the single browser push registration. Arm is
// idempotent-by-construction: an existing subscription is reused, and a
// boolean single-flight guard makes a concurrent second caller a no-op
// rather than a queued retry. The next natural trigger (next connect, next
// permission grant) is the retry path.
type Manager struct {
	config     Config
	registrar  Registrar
	httpClient *http.Client

	mu           sync.Mutex
	inFlight     bool
	subscription *Subscription

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a push subscription manager.
func NewManager(config Config, registrar Registrar) *Manager {
	if config.SubscribePath == "" {
		config.SubscribePath = DefaultConfig().SubscribePath
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Manager{
		config:     config,
		registrar:  registrar,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logging.Component("push"),
		metrics:    metrics.GetMetrics(),
	}
}

// Arm establishes the push registration and reports it to the server.
// Every unmet precondition is a silent no-op; only a missing or
// placeholder application server key is surfaced at warn level, since
// that is a deployment mistake worth noticing. Failures are logged and
// swallowed: nothing here may block core application use.
func (m *Manager) Arm(ctx context.Context) {
	if m.registrar == nil {
		m.metrics.PushRegistrationsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if !validAppServerKey(m.config.AppServerKey) {
		m.logger.Warn().Msg("Application server key missing or placeholder, push registration disabled")
		m.metrics.PushRegistrationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	start := time.Now()
	if err := m.arm(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Push registration failed")
		m.metrics.PushRegistrationsTotal.WithLabelValues("error").Inc()
		return
	}
	m.metrics.PushRegistrationsTotal.WithLabelValues("success").Inc()
	m.metrics.PushRegistrationDuration.Observe(time.Since(start).Seconds())
}

// arm performs the subscribe-or-fetch sequence under the single-flight
// guard.
func (m *Manager) arm(ctx context.Context) error {
	ctx, span := telemetry.Tracer("push").Start(ctx, "push.register")
	defer span.End()

	if err := m.registrar.Ready(ctx); err != nil {
		return fmt.Errorf("service worker not ready: %w", err)
	}

	sub, err := m.registrar.Existing(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch existing subscription: %w", err)
	}

	created := false
	if sub == nil {
		sub, err = m.registrar.Subscribe(ctx, m.config.AppServerKey)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		created = true
	}
	span.SetAttributes(attribute.Bool("push.created", created))

	if err := m.register(ctx, sub); err != nil {
		telemetry.MarkSpanError(ctx, err)
		return err
	}

	m.mu.Lock()
	m.subscription = sub
	m.mu.Unlock()

	m.logger.Info().Bool("created", created).Str("endpoint", sub.Endpoint).Msg("Push subscription registered")
	return nil
}

// register sends the serialized subscription to the backend. The call is
// flagged to bypass the app's global loading indicator.
func (m *Manager) register(ctx context.Context, sub *Subscription) error {
	u, err := url.Parse(m.config.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = m.config.SubscribePath

	body, err := json.Marshal(struct {
		Subscription *Subscription `json:"subscription"`
	}{Subscription: sub})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Skip-Loading", "1")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration rejected (%d): %s", resp.StatusCode, raw)
	}
	return nil
}

// Subscribed reports whether a registration has been completed.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscription != nil
}

// validAppServerKey reports whether the configured key is real key
// material: URL-safe base64 decoding to a plausible point length.
func validAppServerKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		// Tolerate padded keys from older deployments.
		decoded, err = base64.URLEncoding.DecodeString(key)
		if err != nil {
			return false
		}
	}
	return len(decoded) >= minAppServerKeyBytes
}
