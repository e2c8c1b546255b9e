package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"workbridge/internal/events"
	"workbridge/internal/gcsync"
	"workbridge/internal/protocol"
	"workbridge/internal/sandbox"
)

// handleSessionsStream is the push-streaming endpoint: NDJSON events in
// the request body, NDJSON results on the response. Sync stats and ping
// heartbeats are interleaved as control lines.
func (s *Server) handleSessionsStream(c *gin.Context) {
	scope := scopeFrom(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported by this connection"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	out := events.NewLineWriter(c.Writer, flusher)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.rootCtx, cancel)
	defer stop()

	var syncDone sync.WaitGroup
	if engine := s.syncEngine(c, scope); engine != nil {
		syncDone.Add(1)
		go func() {
			defer syncDone.Done()
			engine.RunPeriodic(ctx, s.cfg.SyncInterval, s.cfg.SyncOnStart, func(stats gcsync.Stats) {
				if s.metrics != nil {
					s.metrics.RecordSyncRun(ctx, stats)
				}
				if err := out.WriteControl(stats.ControlLine()); err != nil {
					s.logger.Warn("Sync stats line not delivered: %v", err)
				}
			})
		}()
	}

	processor := events.NewPushProcessor(s.dispatchFor(scope), s.cfg.HeartbeatInterval)
	if err := processor.Run(ctx, c.Request.Body, out); err != nil && err != io.EOF {
		s.logger.Warn("Push stream for %s/%s ended: %v", scope.UserID, scope.ProjectID, err)
	}

	// Cancelling triggers the engine's final sync; wait for it so the
	// manifest is settled before the response closes.
	cancel()
	syncDone.Wait()
}

// handleSessionsConsume is the pull+callback endpoint. The bridge opens
// an outbound subscription to the upstream event channel, dispatches
// each event, and posts results to the event's callback. The response is
// held open as a server-sent-event stream carrying results and pings.
func (s *Server) handleSessionsConsume(c *gin.Context) {
	if s.cfg.UpstreamBaseURL == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream event channel is not configured"})
		return
	}

	scope := scopeFrom(c)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported by this connection"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	sse := &sseWriter{w: c.Writer, flusher: flusher}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.rootCtx, cancel)
	defer stop()

	dispatch := s.dispatchFor(scope)
	handler := func(ctx context.Context, event protocol.Event) {
		result := dispatch(ctx, event)
		if event.CallbackID != "" && s.callbacks != nil {
			if err := s.callbacks.Post(ctx, event.CallbackID, result); err != nil {
				s.logger.Warn("Callback %s failed: %v", event.CallbackID, err)
			}
		}
		if err := sse.writeResult(result); err != nil {
			// The consumer went away; tear the subscription down.
			cancel()
		}
	}

	client, err := events.NewPullClient(s.upstreamEventsURL(scope), s.cfg.UpstreamToken, handler, events.PullOptions{
		ReconnectBackoff:    s.cfg.ReconnectBackoff,
		ReconnectBackoffCap: s.cfg.ReconnectBackoffCap,
		IdleWatchdog:        s.cfg.IdleWatchdog,
		Heartbeat:           s.cfg.HeartbeatInterval,
		OnHeartbeat: func(context.Context) {
			if err := sse.writePing(); err != nil {
				cancel()
			}
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	client.SeedCursor(c.Query("since_id"), parseSinceTime(c.Query("since_time")))

	var syncDone sync.WaitGroup
	if engine := s.syncEngine(c, scope); engine != nil {
		syncDone.Add(1)
		go func() {
			defer syncDone.Done()
			engine.RunPeriodic(ctx, s.cfg.SyncInterval, s.cfg.SyncOnStart, func(stats gcsync.Stats) {
				if s.metrics != nil {
					s.metrics.RecordSyncRun(ctx, stats)
				}
			})
		}()
	}

	_ = client.Run(ctx)
	cancel()
	syncDone.Wait()
}

// dispatchFor binds the dispatcher to a request scope and folds metrics
// around each invocation.
func (s *Server) dispatchFor(scope sandbox.Scope) events.Dispatch {
	return func(ctx context.Context, event protocol.Event) protocol.Result {
		start := time.Now()
		result := s.dispatcher.Dispatch(ctx, scope, event)
		if s.metrics != nil {
			status := "ok"
			if result.Error != nil {
				status = "error"
			}
			s.metrics.RecordEventDispatched(ctx, event.ToolCall.Function.Name)
			s.metrics.RecordToolExecution(ctx, result.Tool.Name, status, time.Since(start))
		}
		return result
	}
}

func (s *Server) upstreamEventsURL(scope sandbox.Scope) string {
	query := url.Values{}
	query.Set("userId", scope.UserID)
	query.Set("projectId", scope.ProjectID)
	if scope.SessionID != "" {
		query.Set("sessionId", scope.SessionID)
	}
	return s.cfg.UpstreamBaseURL + "/events/consume?" + query.Encode()
}

func parseSinceTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sseWriter serializes writes to the consume response; the handler and
// the heartbeat run on different goroutines.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) writeResult(result protocol.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: result\ndata: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
