package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"workbridge/internal/logging"
)

// JobSpec describes a remote producer job submission.
type JobSpec struct {
	ConsumerID string            `json:"consumerId"`
	Image      string            `json:"image,omitempty"`
	Sidecar    bool              `json:"sidecar,omitempty"`
	Env        map[string]string `json:"env"`
}

// JobRunner submits producer jobs to a remote execution service and
// returns the remote operation name.
type JobRunner interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
}

// HTTPJobRunner submits jobs to a remote execution endpoint over HTTP.
type HTTPJobRunner struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *logging.Logger
}

// NewHTTPJobRunner creates a job runner posting to the given endpoint.
func NewHTTPJobRunner(endpoint, token string) *HTTPJobRunner {
	return &HTTPJobRunner{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logging.NewComponentLogger("JobRunner"),
	}
}

func (r *HTTPJobRunner) Submit(ctx context.Context, spec JobSpec) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode job spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit remote job: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("remote job submission status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed struct {
		Operation string `json:"operation"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode job submission response: %w", err)
	}
	operation := parsed.Operation
	if operation == "" {
		operation = parsed.Name
	}
	if operation == "" {
		return "", fmt.Errorf("remote job submission returned no operation name")
	}

	r.logger.Info("Remote job %s submitted for consumer %s", operation, spec.ConsumerID)
	return operation, nil
}
