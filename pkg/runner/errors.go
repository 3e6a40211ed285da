package runner

// StateError rejects a run because of the controller's state.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

var (
	// ErrAlreadyRunning is returned when a run is already active.
	ErrAlreadyRunning = &StateError{Msg: "agent is already running"}
	// ErrNoCredential is returned when no API key is configured.
	ErrNoCredential = &StateError{Msg: "no API key set"}
	// ErrTurnLimit ends a run whose model never stops requesting tools.
	ErrTurnLimit = &StateError{Msg: "turn limit exceeded"}
)
