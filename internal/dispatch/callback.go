package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/protocol"
)

// CallbackClient posts per-event results back to the upstream callback
// endpoint in pull mode.
type CallbackClient struct {
	baseURL string
	token   string
	client  *http.Client
	retry   errors.RetryConfig
	logger  *logging.Logger
}

// NewCallbackClient creates a callback client for the upstream base URL.
// token, when non-empty, is sent as a bearer credential.
func NewCallbackClient(baseURL, token string) *CallbackClient {
	return &CallbackClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   errors.DefaultRetryConfig(),
		logger:  logging.NewComponentLogger("CallbackClient"),
	}
}

// Post delivers a result to /callbacks/{callbackId}. Up to three attempts
// with jittered backoff; a 404 means the callback expired and is dropped
// silently; a 400 is retried once with the payload wrapped as
// {result: payload}; other 4xx are terminal.
func (c *CallbackClient) Post(ctx context.Context, callbackID string, result protocol.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	wrapped := false
	err = errors.RetryWithLog(ctx, c.retry, func(ctx context.Context) error {
		body := payload
		if wrapped {
			body, err = json.Marshal(map[string]json.RawMessage{"result": payload})
			if err != nil {
				return errors.NewPermanentError(err, "encode wrapped callback payload")
			}
		}

		status, err := c.post(ctx, callbackID, body)
		if err != nil {
			return errors.NewTransientError(err, "")
		}

		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusNotFound:
			// Callback expired upstream; nothing left to deliver.
			c.logger.Info("Callback %s expired (404), dropping result for event %s", callbackID, result.EventID)
			return nil
		case status == http.StatusBadRequest && !wrapped:
			wrapped = true
			return errors.NewTransientError(fmt.Errorf("callback %s rejected payload (400), retrying wrapped", callbackID), "")
		case status >= 400 && status < 500:
			return errors.NewPermanentError(fmt.Errorf("callback %s rejected with status %d", callbackID, status), "")
		default:
			return errors.NewTransientError(fmt.Errorf("callback %s upstream status %d", callbackID, status), "")
		}
	}, c.logger)
	if err != nil {
		return fmt.Errorf("post callback %s: %w", callbackID, err)
	}
	return nil
}

func (c *CallbackClient) post(ctx context.Context, callbackID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/callbacks/%s", c.baseURL, callbackID), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
