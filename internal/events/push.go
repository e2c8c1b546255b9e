package events

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"workbridge/internal/logging"
	"workbridge/internal/protocol"
)

// LineWriter serializes NDJSON frames onto a streaming response. Writes
// are mutex-guarded so heartbeats and sync stats can interleave with
// results, one complete line at a time.
type LineWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewLineWriter wraps a response writer. flusher may be nil when the
// transport does not support flushing.
func NewLineWriter(w io.Writer, flusher http.Flusher) *LineWriter {
	return &LineWriter{w: w, flusher: flusher}
}

// WriteResult emits one result record line.
func (lw *LineWriter) WriteResult(result protocol.Result) error {
	return lw.writeLine(result)
}

// WriteControl emits one control line (ping or sync stats).
func (lw *LineWriter) WriteControl(line protocol.ControlLine) error {
	return lw.writeLine(line)
}

func (lw *LineWriter) writeLine(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if lw.flusher != nil {
		lw.flusher.Flush()
	}
	return nil
}

// Dispatch produces the result frame for one event.
type Dispatch func(ctx context.Context, event protocol.Event) protocol.Result

// PushProcessor drives one push-streaming exchange: NDJSON events in,
// NDJSON results out, with keepalive pings while the request is open.
type PushProcessor struct {
	dispatch  Dispatch
	heartbeat time.Duration
	logger    *logging.Logger
}

// NewPushProcessor creates a push processor.
func NewPushProcessor(dispatch Dispatch, heartbeat time.Duration) *PushProcessor {
	return &PushProcessor{
		dispatch:  dispatch,
		heartbeat: heartbeat,
		logger:    logging.NewComponentLogger("PushStream"),
	}
}

// Run consumes events from body until EOF or ctx cancellation, writing one
// result line per event in arrival order. Undecodable lines are logged and
// skipped; they produce no result. Cancellation interrupts Run even while
// a body read is blocked.
func (p *PushProcessor) Run(ctx context.Context, body io.Reader, out *LineWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.heartbeat > 0 {
		go p.runHeartbeat(ctx, out)
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}

			var event protocol.Event
			if err := json.Unmarshal(line, &event); err != nil {
				p.logger.Warn("Skipping undecodable stream line: %v", err)
				continue
			}

			result := p.dispatch(ctx, event)
			if err := out.WriteResult(result); err != nil {
				return err
			}
		}
	}
}

func (p *PushProcessor) runHeartbeat(ctx context.Context, out *LineWriter) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := out.WriteControl(protocol.Ping()); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
