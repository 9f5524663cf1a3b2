package sink

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/metrics"
	"github.com/stoqline/pulse/internal/permission"
	"github.com/stoqline/pulse/pkg/events"
)

// Notification is an OS-level notification request.
type Notification struct {
	Title string
	Body  string

	// Tag equals the effective id so the notification center collapses
	// duplicates on its own.
	Tag string

	// View the click handler focuses/opens before closing the
	// notification.
	TargetView string

	Vibrate            []int
	RequireInteraction bool
}

// Toaster renders the in-app channel. Rendering the same key twice must
// replace the visible toast, not stack a second one.
type Toaster interface {
	Toast(key, message string)
}

// Notifier renders the OS channel.
type Notifier interface {
	// NotifyViaWorker delivers through the active service worker.
	NotifyViaWorker(ctx context.Context, n Notification) error

	// Notify delivers through the direct in-page constructor, the
	// fallback when no worker is ready.
	Notify(ctx context.Context, n Notification) error
}

// SuppressRule drops events of one type for one role before any
// rendering happens.
type SuppressRule struct {
	Role string `yaml:"role"`
	Type string `yaml:"type"`
}

// Config contains delivery sink configuration
type Config struct {
	// Title used for OS notifications
	Title string

	// View a notification click navigates to
	TargetView string

	// Role/type pairs that are dropped silently
	SuppressRules []SuppressRule

	// Size of the recently-rendered toast registry
	RecentSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Title:      "StoqLine",
		TargetView: "/solicitacoes",
		SuppressRules: []SuppressRule{
			{Role: "almoxarife", Type: "entrada"},
		},
		RecentSize: 256,
	}
}

// Sink presents an accepted event through the in-app toast channel and,
// opportunistically, the OS notification channel.
type Sink struct {
	config   Config
	toaster  Toaster
	notifier Notifier
	prompter permission.Prompter
	recent   *lru.Cache
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewSink creates a delivery sink. notifier may be nil when the OS channel
// is unavailable on this host.
func NewSink(config Config, toaster Toaster, notifier Notifier, prompter permission.Prompter) (*Sink, error) {
	if config.Title == "" {
		config.Title = DefaultConfig().Title
	}
	if config.TargetView == "" {
		config.TargetView = DefaultConfig().TargetView
	}
	if config.RecentSize <= 0 {
		config.RecentSize = DefaultConfig().RecentSize
	}

	recent, err := lru.New(config.RecentSize)
	if err != nil {
		return nil, err
	}

	return &Sink{
		config:   config,
		toaster:  toaster,
		notifier: notifier,
		prompter: prompter,
		recent:   recent,
		logger:   logging.Component("sink"),
		metrics:  metrics.GetMetrics(),
	}, nil
}

// Present renders an accepted event for the given session role, keyed by
// the effective id the dedup cache computed at acceptance. Reusing that id
// keeps the toast key and OS tag identical to the suppression key even
// when the id was derived from a time bucket. OS-path errors are logged
// and swallowed; the toast always happens first and is never undone by a
// later failure.
func (s *Sink) Present(ctx context.Context, ev events.Event, id, role string) {
	if s.suppressed(ev, role) {
		s.metrics.EventsSuppressedTotal.WithLabelValues("role_filter").Inc()
		s.logger.Debug().Str("role", role).Str("type", ev.Type).Msg("Event suppressed by role rule")
		return
	}

	// In-app channel. A repeated render for the same key replaces the
	// visible toast instead of stacking.
	s.recent.Add(id, struct{}{})
	s.toaster.Toast(id, ev.Message)
	s.metrics.EventsDeliveredTotal.WithLabelValues("toast").Inc()

	s.presentOS(ctx, id, ev)
}

// presentOS attempts the OS-level channel: service worker first, direct
// constructor as fallback. Failure of both is logged and swallowed.
func (s *Sink) presentOS(ctx context.Context, id string, ev events.Event) {
	if s.notifier == nil {
		return
	}
	if s.prompter == nil || s.prompter.Current() != permission.StateGranted {
		return
	}

	n := Notification{
		Title:              s.config.Title,
		Body:               ev.Message,
		Tag:                id,
		TargetView:         s.config.TargetView,
		Vibrate:            []int{200, 100, 200},
		RequireInteraction: true,
	}

	err := s.notifier.NotifyViaWorker(ctx, n)
	if err == nil {
		s.metrics.EventsDeliveredTotal.WithLabelValues("os").Inc()
		return
	}
	s.logger.Debug().Err(err).Str("tag", id).Msg("Worker notification failed, falling back")

	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("tag", id).Msg("OS notification failed on both paths")
		return
	}
	s.metrics.EventsDeliveredTotal.WithLabelValues("os").Inc()
}

// Rendered reports whether a toast with this key is in the recent
// registry.
func (s *Sink) Rendered(id string) bool {
	return s.recent.Contains(id)
}

func (s *Sink) suppressed(ev events.Event, role string) bool {
	for _, rule := range s.config.SuppressRules {
		if rule.Role == role && rule.Type == ev.Type {
			return true
		}
	}
	return false
}

// LogToaster renders toasts into the structured log, the daemon's in-app
// channel.
type LogToaster struct {
	Logger zerolog.Logger
}

// Toast implements Toaster.
func (t LogToaster) Toast(key, message string) {
	t.Logger.Info().Str("toast_key", key).Str("message", message).Msg("Notification")
}
