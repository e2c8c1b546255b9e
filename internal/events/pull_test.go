package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/protocol"
)

func sseEvent(w http.ResponseWriter, id string) {
	fmt.Fprintf(w, "id: %s\ndata: {\"id\":%q,\"tool_call\":{\"function\":{\"name\":\"READ_FILE\"}}}\n\n", id, id)
	w.(http.Flusher).Flush()
}

func TestPullClient_DeliversAndDedupesAcrossReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		switch n {
		case 1:
			assert.Empty(t, r.Header.Get("Last-Event-ID"))
			assert.NotEmpty(t, r.URL.Query().Get("sinceTime"))
			sseEvent(w, "ev-1")
			sseEvent(w, "ev-2")
		case 2:
			// Resumed from the cursor; replay a duplicate then advance.
			assert.Equal(t, "ev-2", r.Header.Get("Last-Event-ID"))
			assert.Equal(t, "ev-2", r.URL.Query().Get("lastEventId"))
			sseEvent(w, "ev-2")
			sseEvent(w, "ev-3")
		default:
			// Hold open until the client goes away.
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{})

	handler := func(_ context.Context, event protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, event.ID)
		if len(delivered) == 3 {
			close(done)
		}
	}

	client, err := NewPullClient(srv.URL, "", handler, PullOptions{
		ReconnectBackoff:    5 * time.Millisecond,
		ReconnectBackoffCap: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("events not delivered before timeout")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, delivered, "duplicate ev-2 is deduped")
}

func TestPullClient_IdleWatchdogForcesReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Silent connection: no frames until the watchdog fires.
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewPullClient(srv.URL, "", func(context.Context, protocol.Event) {}, PullOptions{
		ReconnectBackoff:    5 * time.Millisecond,
		ReconnectBackoffCap: 10 * time.Millisecond,
		IdleWatchdog:        30 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 2 },
		time.Second, 10*time.Millisecond, "watchdog should force a second connection")
}

func TestPullClient_ReconnectsWhileHeartbeatRuns(t *testing.T) {
	// The upstream drops every connection immediately while the downstream
	// heartbeat keeps succeeding; the client must still reconnect.
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	client, err := NewPullClient(srv.URL, "", func(context.Context, protocol.Event) {}, PullOptions{
		ReconnectBackoff:    5 * time.Millisecond,
		ReconnectBackoffCap: 10 * time.Millisecond,
		Heartbeat:           10 * time.Millisecond,
		OnHeartbeat:         func(context.Context) {},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 2 },
		time.Second, 10*time.Millisecond, "connection end must not wait on a live heartbeat")
}

func TestPullClient_RunsHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var beats atomic.Int32
	client, err := NewPullClient(srv.URL, "", func(context.Context, protocol.Event) {}, PullOptions{
		Heartbeat:   10 * time.Millisecond,
		OnHeartbeat: func(context.Context) { beats.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return beats.Load() >= 2 },
		time.Second, 5*time.Millisecond)
}
