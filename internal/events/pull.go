package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"workbridge/internal/logging"
	"workbridge/internal/protocol"
)

const dedupeWindow = 4096

// Handler consumes one event. Invoked exactly once per distinct event id,
// in arrival order.
type Handler func(ctx context.Context, event protocol.Event)

// PullOptions tunes the pull client's reconnect and liveness behavior.
type PullOptions struct {
	// ReconnectBackoff is the initial delay before a reconnect attempt;
	// it doubles per failure up to ReconnectBackoffCap and resets on a
	// successfully received event.
	ReconnectBackoff    time.Duration
	ReconnectBackoffCap time.Duration
	// IdleWatchdog forces a reconnect when no frame arrives for this long.
	// Zero disables the watchdog.
	IdleWatchdog time.Duration
	// Heartbeat invokes OnHeartbeat at this interval while connected.
	Heartbeat   time.Duration
	OnHeartbeat func(ctx context.Context)
}

// PullClient holds an outbound subscription to the upstream event channel
// and feeds each event to the handler.
type PullClient struct {
	streamURL string
	token     string
	client    *http.Client
	handler   Handler
	opts      PullOptions
	logger    *logging.Logger

	lastEventID string
	sinceTime   time.Time
	seen        *lru.Cache[string, struct{}]
}

// NewPullClient creates a pull client for the upstream stream URL.
func NewPullClient(streamURL, token string, handler Handler, opts PullOptions) (*PullClient, error) {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.ReconnectBackoffCap <= 0 {
		opts.ReconnectBackoffCap = 30 * time.Second
	}
	seen, err := lru.New[string, struct{}](dedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &PullClient{
		streamURL: streamURL,
		token:     token,
		client:    &http.Client{},
		handler:   handler,
		opts:      opts,
		logger:    logging.NewComponentLogger("PullClient"),
		sinceTime: time.Now(),
		seen:      seen,
	}, nil
}

// SeedCursor primes the replay cursor before the first connection. A
// non-empty lastEventID takes precedence over sinceTime upstream.
func (c *PullClient) SeedCursor(lastEventID string, sinceTime time.Time) {
	c.lastEventID = lastEventID
	if !sinceTime.IsZero() {
		c.sinceTime = sinceTime
	}
}

// Run maintains the subscription until ctx is cancelled. Reconnects are
// silent to the handler beyond the cursor re-seeding to lastEventId.
func (c *PullClient) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("Stream connection lost: %v", err)
		}
		if received {
			backoff = c.opts.ReconnectBackoff
		}

		c.logger.Info("Reconnecting in %s (lastEventId=%s)", backoff, c.lastEventID)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.opts.ReconnectBackoffCap {
			backoff = c.opts.ReconnectBackoffCap
		}
	}
}

// consumeStream runs one connection to exhaustion. It reports whether any
// event was received on this connection.
func (c *PullClient) consumeStream(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.cursorURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("upstream stream status %d", resp.StatusCode)
	}

	// The watchdog kills the connection when frames stop flowing; stopped
	// and re-armed on every frame.
	var watchdog *time.Timer
	if c.opts.IdleWatchdog > 0 {
		watchdog = time.AfterFunc(c.opts.IdleWatchdog, func() {
			c.logger.Warn("Idle watchdog fired after %s, forcing reconnect", c.opts.IdleWatchdog)
			cancel()
		})
		defer watchdog.Stop()
	}

	var heartbeatDone chan struct{}
	if c.opts.Heartbeat > 0 && c.opts.OnHeartbeat != nil {
		heartbeatDone = make(chan struct{})
		go c.runHeartbeat(connCtx, heartbeatDone)
		// The heartbeat only stops on connCtx; cancel before waiting or a
		// healthy downstream would pin this connection open forever.
		defer func() {
			cancel()
			<-heartbeatDone
		}()
	}

	reader := NewSSEReader(resp.Body)
	received := false
	for {
		frame, err := reader.Next()
		if err != nil {
			return received, err
		}
		if watchdog != nil {
			watchdog.Reset(c.opts.IdleWatchdog)
		}
		if frame.Data == "" {
			continue
		}

		var event protocol.Event
		if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
			c.logger.Warn("Dropping undecodable frame (id=%s): %v", frame.ID, err)
			continue
		}
		if event.ID == "" {
			event.ID = frame.ID
		}

		received = true
		c.advanceCursor(event)
		if _, duplicate := c.seen.Get(event.ID); duplicate {
			c.logger.Debug("Duplicate event %s after reconnect, skipping", event.ID)
			continue
		}
		c.seen.Add(event.ID, struct{}{})
		c.handler(ctx, event)
	}
}

func (c *PullClient) runHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.opts.OnHeartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *PullClient) advanceCursor(event protocol.Event) {
	c.lastEventID = event.ID
	if event.CreateTime.After(c.sinceTime) {
		c.sinceTime = event.CreateTime
	}
}

func (c *PullClient) cursorURL() string {
	u, err := url.Parse(c.streamURL)
	if err != nil {
		return c.streamURL
	}
	q := u.Query()
	if c.lastEventID != "" {
		q.Set("lastEventId", c.lastEventID)
	} else if !c.sinceTime.IsZero() {
		q.Set("sinceTime", c.sinceTime.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
