// Package events maintains the event subscription to the upstream: a
// pull client over server-sent-event framing with reconnect and cursor
// resume, and a push processor for NDJSON streaming requests.
package events

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event: id, event type and accumulated data.
type Frame struct {
	ID   string
	Type string
	Data string
}

// SSEReader incrementally parses server-sent-event framing from a stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps a stream in an SSE parser. Lines up to 1MiB are
// accepted to cover large tool-call arguments.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Comment lines and unknown fields are ignored per the SSE format.
func (r *SSEReader) Next() (*Frame, error) {
	frame := &Frame{}
	var data []string
	sawField := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Blank line terminates a frame, but only one that carried fields.
		if line == "" {
			if !sawField {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.ID = value
			sawField = true
		case "event":
			frame.Type = value
			sawField = true
		case "data":
			data = append(data, value)
			sawField = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if sawField {
		// Stream ended mid-frame; deliver what accumulated.
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return nil, io.EOF
}
