package permission

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/pkg/events"
)

// State is the OS notification permission. It is owned by the platform;
// this package only reads it, except through the explicit consent request.
type State int

const (
	StateDefault State = iota
	StateGranted
	StateDenied
)

// String returns the platform spelling of the state.
func (s State) String() string {
	switch s {
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	default:
		return "default"
	}
}

// Prompter is the platform surface that owns the permission value.
type Prompter interface {
	// Current returns the permission state without prompting.
	Current() State

	// Request prompts the user and returns the resulting state. Must only
	// be called from a user gesture.
	Request(ctx context.Context) (State, error)
}

// ConsentFlow requests notification permission on the first meaningful
// user gesture rather than on load. The gesture listener is one-shot: it
// is removed as soon as it fires, whatever the outcome, so the user is
// never re-prompted.
type ConsentFlow struct {
	prompter Prompter
	armer    func(context.Context)
	logger   zerolog.Logger
}

// NewConsentFlow creates a consent flow. armer is invoked immediately
// after a grant (the push subscription trigger).
func NewConsentFlow(prompter Prompter, armer func(context.Context)) *ConsentFlow {
	return &ConsentFlow{
		prompter: prompter,
		armer:    armer,
		logger:   logging.Component("consent"),
	}
}

// Watch waits for the first gesture and requests permission exactly once.
// It returns without prompting when permission is already settled, when
// the gesture source closes, or when ctx is canceled. Run it in its own
// goroutine; it is the one listener that removes itself opportunistically
// instead of at teardown.
func (f *ConsentFlow) Watch(ctx context.Context, gestures <-chan struct{}) {
	if f.prompter.Current() != StateDefault {
		return
	}

	select {
	case _, ok := <-gestures:
		if !ok {
			return
		}
	case <-ctx.Done():
		return
	}

	state, err := f.prompter.Request(ctx)
	if err != nil {
		// Permission failures never block the app.
		f.logger.Warn().Err(err).Msg("Permission request failed")
		return
	}

	f.logger.Info().Str("state", state.String()).Msg("Permission request settled")

	if state == StateGranted && f.armer != nil {
		f.armer(ctx)
	}
}

// Bridge applies server-pushed permission-set updates to the session
// without re-running connection setup. The updater must be the same
// function for the lifetime of the session: handing a fresh closure to
// every reconfiguration is the classic way to end up in a
// join-then-rejoin loop.
type Bridge struct {
	updater func(events.PermissionSet)
	logger  zerolog.Logger
}

// NewBridge creates a bridge around the session's permission updater.
func NewBridge(updater func(events.PermissionSet)) *Bridge {
	return &Bridge{
		updater: updater,
		logger:  logging.Component("permission-bridge"),
	}
}

// OnPermissionsUpdated forwards the new set verbatim.
func (b *Bridge) OnPermissionsUpdated(perms events.PermissionSet) {
	if b.updater == nil {
		return
	}
	b.logger.Debug().Int("permissions", len(perms)).Msg("Applying pushed permission set")
	b.updater(perms)
}
