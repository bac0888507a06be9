// Server-sent event frame scanner shared by the SSE-speaking adapters.
//
// DESIGN: Reads the response body incrementally and yields one frame
// (event name + joined data lines) at a time. Buffers at most one frame:
// total response size is unbounded and streaming is the point.
package adapters

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one server-sent event.
type sseFrame struct {
	Event string // value of the "event:" field, may be empty
	Data  string // "data:" lines joined with newlines
}

// sseScanner yields SSE frames from a byte stream.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &sseScanner{scanner: sc}
}

// Next returns the next frame. Returns ok=false at end of stream; err is
// non-nil when the stream ended abnormally.
func (s *sseScanner) Next() (frame sseFrame, ok bool, err error) {
	var event string
	var data []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line terminates a frame.
		if line == "" {
			if len(data) > 0 || event != "" {
				return sseFrame{Event: event, Data: strings.Join(data, "\n")}, true, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive, ignored.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if scanErr := s.scanner.Err(); scanErr != nil {
		return sseFrame{}, false, scanErr
	}

	// Stream ended mid-frame: deliver what we have so the caller can decide.
	if len(data) > 0 || event != "" {
		return sseFrame{Event: event, Data: strings.Join(data, "\n")}, true, nil
	}
	return sseFrame{}, false, nil
}
