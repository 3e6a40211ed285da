package runner

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunState is the only state shared across runs: the running flag, the
// cancellation request and the in-memory API key. The lock is never held
// across I/O.
type RunState struct {
	mu              sync.Mutex
	running         bool
	cancelRequested bool
	cancel          context.CancelFunc
	apiKey          string
}

// NewRunState returns an idle state.
func NewRunState() *RunState {
	return &RunState{}
}

// TryStart moves Idle to Running, or fails with ErrAlreadyRunning.
func (s *RunState) TryStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.cancelRequested = false
	s.cancel = nil
	return nil
}

// bind attaches the active run's cancel function. A cancellation requested
// before binding fires immediately.
func (s *RunState) bind(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.cancelRequested && cancel != nil {
		cancel()
	}
}

// RequestCancel asks the active run to stop. It never blocks and is a no-op
// when idle.
func (s *RunState) RequestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancelRequested = true
	if s.cancel != nil {
		s.cancel()
	}
}

// CancelRequested reports whether the active run was asked to stop.
func (s *RunState) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// IsRunning reports whether a run is active.
func (s *RunState) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Finish returns to Idle. It is safe to call more than once.
func (s *RunState) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelRequested = false
	s.cancel = nil
}

// SetAPIKey stores a key for the session only.
func (s *RunState) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// APIKey returns the in-memory key, if any.
func (s *RunState) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}
