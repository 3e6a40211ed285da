package openai

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/models/sse"
)

const readSize = 4096

// stream pulls bytes from the response body on demand, so nothing is read
// once the consumer stops calling Recv.
type stream struct {
	body    io.ReadCloser
	dec     sse.Decoder
	agg     *aggregator
	buf     []byte
	pending []models.StreamEvent
	turn    *models.Turn
	done    bool
	err     error
}

func newStream(body io.ReadCloser) *stream {
	return &stream{
		body: body,
		agg:  newAggregator(),
		buf:  make([]byte, readSize),
	}
}

func (s *stream) Recv() (models.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.err != nil {
			return models.StreamEvent{}, s.err
		}
		if s.done {
			return models.StreamEvent{}, io.EOF
		}

		n, rerr := s.body.Read(s.buf)
		if n > 0 {
			s.feed(s.dec.Feed(s.buf[:n]))
		}
		if errors.Is(rerr, io.EOF) && !s.done && s.err == nil {
			s.feed(s.dec.Flush())
		}
		if rerr != nil && !s.done && s.err == nil {
			if errors.Is(rerr, io.EOF) {
				s.fail(&models.ProtocolError{Msg: "stream ended before [DONE]"})
			} else {
				s.fail(&models.TransportError{Err: rerr})
			}
		}
	}
}

func (s *stream) feed(frames []sse.Frame) {
	for _, f := range frames {
		if s.done || s.err != nil {
			// Anything after the sentinel or a failure is ignored.
			return
		}
		if f.Done {
			turn, err := s.agg.finish()
			if err != nil {
				s.fail(err)
				return
			}
			s.turn = &turn
			s.done = true
			s.pending = append(s.pending, models.Done())
			return
		}

		var c chunk
		if err := json.Unmarshal(f.Data, &c); err != nil {
			slog.Debug("Skipping undecodable frame", "error", err, "frame", string(f.Data))
			continue
		}
		events, err := s.agg.apply(&c)
		s.pending = append(s.pending, events...)
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *stream) fail(err error) {
	s.err = err
	s.pending = append(s.pending, models.ErrorEvent(err))
}

// Turn returns the aggregated turn after Done. Text accumulated by a stream
// that failed is never returned.
func (s *stream) Turn() (models.Turn, error) {
	if s.err != nil {
		return models.Turn{}, s.err
	}
	if s.turn == nil {
		return models.Turn{}, errors.New("stream not finished")
	}
	return *s.turn, nil
}

func (s *stream) Close() error {
	return s.body.Close()
}
