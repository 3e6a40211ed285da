// Package sse decodes the line-oriented "data: <payload>" framing used by
// streaming chat-completion endpoints.
package sse

import (
	"bytes"
)

// DoneSentinel terminates a stream.
const DoneSentinel = "[DONE]"

// Frame is one complete "data:" line.
type Frame struct {
	// Data is the payload after the "data:" prefix.
	Data []byte
	// Done is set for the terminating sentinel.
	Done bool
}

// Decoder turns arbitrary byte chunks into complete frames. A partial
// trailing line is held until the rest of it arrives.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk and returns every frame completed by it. Blank
// lines, comments and non-data fields are skipped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		d.buf = d.buf[i+1:]

		if f, ok := parseLine(line); ok {
			frames = append(frames, f)
		}
	}

	// Compact so a long stream does not keep the consumed prefix alive.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames
}

// Flush parses a buffered final line that ended without a newline. It is
// called once the body is exhausted.
func (d *Decoder) Flush() []Frame {
	line := bytes.TrimSuffix(d.buf, []byte{'\r'})
	d.buf = nil
	if f, ok := parseLine(line); ok {
		return []Frame{f}
	}
	return nil
}

// Pending reports how many bytes of an incomplete line are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func parseLine(line []byte) (Frame, bool) {
	if len(line) == 0 {
		return Frame{}, false
	}
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return Frame{}, false
	}
	data = bytes.TrimPrefix(data, []byte{' '})
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, false
	}
	if string(bytes.TrimSpace(data)) == DoneSentinel {
		return Frame{Done: true}, true
	}
	// Copy out of the shared buffer.
	return Frame{Data: append([]byte(nil), data...)}, true
}
