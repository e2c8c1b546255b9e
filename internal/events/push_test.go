package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/protocol"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func echoDispatch(_ context.Context, event protocol.Event) protocol.Result {
	return protocol.Result{
		EventID:   event.ID,
		Tool:      protocol.ToolRef{Name: event.ToolCall.Function.Name},
		Args:      map[string]any{},
		Result:    "done",
		Timestamp: time.Now(),
	}
}

func TestPushProcessor_OneResultPerEventInOrder(t *testing.T) {
	body := strings.Join([]string{
		`{"id":"ev-1","tool_call":{"function":{"name":"READ_FILE"}}}`,
		`{"id":"ev-2","tool_call":{"function":{"name":"RUN_COMMAND"}}}`,
		"",
	}, "\n")

	var out syncBuffer
	p := NewPushProcessor(echoDispatch, 0)
	require.NoError(t, p.Run(context.Background(), strings.NewReader(body), NewLineWriter(&out, nil)))

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	var ids []string
	for scanner.Scan() {
		var result protocol.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &result))
		ids = append(ids, result.EventID)
	}
	assert.Equal(t, []string{"ev-1", "ev-2"}, ids)
}

func TestPushProcessor_SkipsGarbageLines(t *testing.T) {
	body := "not json\n{\"id\":\"ev-1\",\"tool_call\":{\"function\":{\"name\":\"READ_FILE\"}}}\n"

	var out syncBuffer
	p := NewPushProcessor(echoDispatch, 0)
	require.NoError(t, p.Run(context.Background(), strings.NewReader(body), NewLineWriter(&out, nil)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 1)
}

func TestPushProcessor_EmitsHeartbeats(t *testing.T) {
	// A body that stays open: use a pipe fed slowly.
	reader, writer := newBlockingBody()
	defer writer.close()

	var out syncBuffer
	p := NewPushProcessor(echoDispatch, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(context.Background(), reader, NewLineWriter(&out, nil))
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"type":"ping"`)
	}, time.Second, 5*time.Millisecond)

	writer.close()
	<-done
}

func TestPushProcessor_CancelInterruptsBlockedRead(t *testing.T) {
	reader, writer := newBlockingBody()
	defer writer.close()

	var out syncBuffer
	p := NewPushProcessor(echoDispatch, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, reader, NewLineWriter(&out, nil)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation must interrupt a blocked body read")
	}
}

func TestLineWriter_ControlLines(t *testing.T) {
	var out syncBuffer
	lw := NewLineWriter(&out, nil)

	require.NoError(t, lw.WriteControl(protocol.ControlLine{
		Type:          "gcs_sync",
		ScannedRemote: 4,
		Downloaded:    2,
		Uploaded:      1,
		Conflicts:     1,
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &line))
	assert.Equal(t, "gcs_sync", line["type"])
	assert.Equal(t, float64(4), line["scanned_remote"])
	assert.Equal(t, float64(1), line["conflicts"])
}

type blockingBody struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
	rest   []byte
}

func newBlockingBody() (*blockingBody, *blockingBody) {
	b := &blockingBody{ch: make(chan []byte), closed: make(chan struct{})}
	return b, b
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if len(b.rest) > 0 {
		n := copy(p, b.rest)
		b.rest = b.rest[n:]
		return n, nil
	}
	select {
	case data := <-b.ch:
		n := copy(p, data)
		b.rest = data[n:]
		return n, nil
	case <-b.closed:
		return 0, io.EOF
	}
}

func (b *blockingBody) close() {
	b.once.Do(func() { close(b.closed) })
}
