package models

import (
	"errors"
	"io"
)

// Collect drains a stream, passing every event to fn in arrival order.
// If fn returns false, consumption stops and ErrStopped is returned; any
// partial content is discarded.
func Collect(s ModelStream, fn func(StreamEvent) bool) (Turn, error) {
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return s.Turn()
		}
		if err != nil {
			return Turn{}, err
		}
		if fn != nil && !fn(ev) {
			return Turn{}, ErrStopped
		}
	}
}
