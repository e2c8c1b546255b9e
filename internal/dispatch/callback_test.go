package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/protocol"
)

func testResult() protocol.Result {
	return protocol.Result{
		EventID:   "ev-1",
		Tool:      protocol.ToolRef{Name: ToolReadFile},
		Args:      map[string]any{"filepath": "f.txt"},
		Result:    map[string]any{"ok": true},
		Timestamp: time.Now(),
	}
}

func fastClient(baseURL string) *CallbackClient {
	c := NewCallbackClient(baseURL, "test-token")
	c.retry.BaseDelay = time.Millisecond
	c.retry.MaxDelay = 5 * time.Millisecond
	return c
}

func TestCallbackPost_Success(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		assert.Equal(t, "/callbacks/cb-1", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var result protocol.Result
		require.NoError(t, json.NewDecoder(r.Body).Decode(&result))
		assert.Equal(t, "ev-1", result.EventID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastClient(srv.URL).Post(context.Background(), "cb-1", testResult()))
	assert.Equal(t, int32(1), got.Load())
}

func TestCallbackPost_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastClient(srv.URL).Post(context.Background(), "cb-1", testResult()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallbackPost_404IsTerminalAndSilent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	// An expired callback is dropped without error.
	require.NoError(t, fastClient(srv.URL).Post(context.Background(), "cb-1", testResult()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallbackPost_400RetriedOnceWrapped(t *testing.T) {
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastClient(srv.URL).Post(context.Background(), "cb-1", testResult()))
	require.Len(t, bodies, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &first))
	assert.Equal(t, "ev-1", first["event_id"])

	var second map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(bodies[1], &second))
	require.Contains(t, second, "result")
	var inner map[string]any
	require.NoError(t, json.Unmarshal(second["result"], &inner))
	assert.Equal(t, "ev-1", inner["event_id"])
}

func TestCallbackPost_Other4xxTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).Post(context.Background(), "cb-1", testResult())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallbackPost_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).Post(context.Background(), "cb-1", testResult())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
