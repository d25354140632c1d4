package internal

import (
	"sync"

	"github.com/rs/zerolog"
)

// CleanupManager tracks resources and ensures ordered cleanup in LIFO order.
type CleanupManager struct {
	mu     sync.Mutex
	funcs  []cleanupFunc
	logger zerolog.Logger
}

type cleanupFunc struct {
	name string
	fn   func() error
}

// NewCleanupManager creates a new cleanup manager reporting failures to logger.
func NewCleanupManager(logger zerolog.Logger) *CleanupManager {
	return &CleanupManager{logger: logger}
}

// Add registers a cleanup function. Functions are executed in LIFO order
// (last added, first executed).
func (m *CleanupManager) Add(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append([]cleanupFunc{{name, fn}}, m.funcs...)
}

// Execute runs all cleanup functions in reverse order (LIFO), logging any errors.
// It always completes all cleanup operations, even if some fail, and runs
// each function once.
func (m *CleanupManager) Execute() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cleanup := range m.funcs {
		m.logger.Debug().Str("resource", cleanup.name).Msg("cleaning up")
		if err := cleanup.fn(); err != nil {
			m.logger.Warn().Err(err).Str("resource", cleanup.name).Msg("cleanup failed")
		}
	}
	m.funcs = nil
}
