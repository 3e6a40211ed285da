package models

import (
	"errors"
	"fmt"
)

// TransportError is a connection or I/O failure talking to the provider.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or incomplete stream.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// APIError is a non-success response from the provider. Message is the
// provider's response body, verbatim.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// ErrStopped is returned by Collect when the callback stops consumption.
var ErrStopped = errors.New("stream consumption stopped")
