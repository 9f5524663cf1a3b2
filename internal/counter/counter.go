package counter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/metrics"
)

// Config contains unread counter configuration
type Config struct {
	// Base directory for the backing store
	DataDir string

	// Storage key the counter value lives under
	StorageKey string

	// Route of the inbox view; increments while the user is already
	// looking at it are suppressed
	InboxPath string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		StorageKey: "unread_notifications",
		InboxPath:  "/solicitacoes",
	}
}

// Store is a durable non-negative counter of events the user has not yet
// acknowledged. The persisted value is rehydrated on Open, so a restart
// does not reset the badge. Every mutation writes through to storage under
// one lock, so the in-memory and persisted values are never observed out
// of sync after Increment or Reset returns.
type Store struct {
	config  Config
	db      *badger.DB
	value   int
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open creates the store and rehydrates the persisted value.
func Open(config Config) (*Store, error) {
	if config.StorageKey == "" {
		config.StorageKey = DefaultConfig().StorageKey
	}
	if config.InboxPath == "" {
		config.InboxPath = DefaultConfig().InboxPath
	}

	logger := logging.Component("counter")

	dbPath := filepath.Join(config.DataDir, "counter")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create counter directory: %w", err)
	}

	options := badger.DefaultOptions(dbPath)
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open counter store: %w", err)
	}

	s := &Store{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if err := s.rehydrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Int("value", s.value).Msg("Unread counter rehydrated")
	return s, nil
}

// rehydrate reads the persisted value before anything observes the store.
func (s *Store) rehydrate() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.config.StorageKey))
		if err == badger.ErrKeyNotFound {
			s.value = 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read counter: %w", err)
		}
		return item.Value(func(val []byte) error {
			n, err := strconv.Atoi(string(val))
			if err != nil || n < 0 {
				// Corrupt value: start over rather than fail startup.
				s.logger.Warn().Str("raw", string(val)).Msg("Invalid persisted counter, resetting to 0")
				s.value = 0
				return nil
			}
			s.value = n
			return nil
		})
	})
}

// persist writes the current value. Caller holds the lock.
func (s *Store) persist() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(s.config.StorageKey), []byte(strconv.Itoa(s.value)))
	})
	if err != nil {
		return fmt.Errorf("failed to persist counter: %w", err)
	}
	s.metrics.UnreadCount.Set(float64(s.value))
	return nil
}

// Increment bumps the counter unless the user's active route is already
// the tracked inbox, in which case the event is considered seen.
func (s *Store) Increment(activePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activePath == s.config.InboxPath {
		s.logger.Debug().Str("path", activePath).Msg("Increment suppressed, inbox is active")
		return nil
	}

	s.value++
	if err := s.persist(); err != nil {
		// Roll back so memory and disk stay consistent.
		s.value--
		return err
	}
	s.metrics.UnreadIncrements.Inc()
	return nil
}

// Reset zeroes the counter and persists. Called when the user navigates
// into the inbox view.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.value
	s.value = 0
	if err := s.persist(); err != nil {
		s.value = prev
		return err
	}
	s.metrics.UnreadResets.Inc()
	return nil
}

// Value returns the current counter value.
func (s *Store) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Close releases the backing store.
func (s *Store) Close() error {
	return s.db.Close()
}
