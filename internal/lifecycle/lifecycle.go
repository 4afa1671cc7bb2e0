// Package lifecycle tracks the run state of the imgship server.
//
// Valid transitions:
//
//	Stopped  -> Starting
//	Starting -> Running | Crashed
//	Running  -> Stopping | Crashed
//	Stopping -> Stopped | Crashed
//	Crashed  -> Starting
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/domain"
)

// State represents the lifecycle state of the server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

var allowed = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateCrashed:  {StateStarting},
}

// Observer is called after every successful transition.
type Observer func(previous, current State, reason string)

// Manager is a mutex-guarded state machine with a worker group for shutdown.
type Manager struct {
	mu       sync.RWMutex
	state    State
	wg       sync.WaitGroup
	logger   zerolog.Logger
	observer Observer
}

// NewManager returns a Manager in StateStopped. observer may be nil.
func NewManager(logger zerolog.Logger, observer Observer) *Manager {
	return &Manager{
		state:    StateStopped,
		logger:   logger,
		observer: observer,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TransitionTo moves to next or returns ErrAlreadyRunning / ErrNotRunning
// when the transition is not allowed from the current state.
func (m *Manager) TransitionTo(next State, reason string) error {
	m.mu.Lock()
	prev := m.state
	if !canMove(prev, next) {
		m.mu.Unlock()
		if prev == StateStopped || prev == StateCrashed {
			return fmt.Errorf("%s -> %s: %w", prev, next, domain.ErrNotRunning)
		}
		return fmt.Errorf("%s -> %s: %w", prev, next, domain.ErrAlreadyRunning)
	}
	m.state = next
	m.mu.Unlock()

	// observer runs outside the lock so it may query State()
	if m.observer != nil {
		m.observer(prev, next, reason)
	}

	m.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("reason", reason).
		Msg("state transition")

	return nil
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AddWorker increments the worker count.
func (m *Manager) AddWorker() { m.wg.Add(1) }

// WorkerDone decrements the worker count.
func (m *Manager) WorkerDone() { m.wg.Done() }

// WaitWithTimeout waits for all workers or returns ErrShutdownTimeout.
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		m.logger.Warn().Dur("timeout", timeout).Msg("shutdown timeout, forcing exit")
		return domain.ErrShutdownTimeout
	}
}
