package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/broker"
)

// HTTPClient implements BrokerClient against a remote broker's HTTP
// surface (spec §6), for a worker process deployed separately from the
// broker. Transient network failures are retried with backoff by
// go-retryablehttp before an attempt is given up on, matching spec §7's
// "worker-level transient errors use bounded retry with backoff".
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPClient builds an HTTPClient against a broker reachable at
// baseURL (e.g. the BROKER_URL environment variable read by the worker
// CLI). The underlying retryablehttp logger is silenced; pass a logger
// via WithLogger on the Worker itself for operational visibility.
func NewHTTPClient(baseURL string) *HTTPClient {
	c := retryablehttp.NewClient()
	c.Logger = nil
	return &HTTPClient{baseURL: baseURL, client: c}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return resp.StatusCode, fmt.Errorf("broker: %s: %s", apiErr.Error, apiErr.Detail)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// RegisterWorker implements BrokerClient.
func (c *HTTPClient) RegisterWorker(ctx context.Context, schemas []conduit.WorkflowSchema) (string, error) {
	var id string
	_, err := c.do(ctx, http.MethodPost, "/worker/register", schemas, &id)
	return id, err
}

// KeepAlive implements BrokerClient.
func (c *HTTPClient) KeepAlive(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/worker/keep-alive", map[string]string{"worker_id": workerID}, nil)
	return err
}

// GetStep implements BrokerClient. A 204 response (no work available)
// surfaces as (nil, nil).
func (c *HTTPClient) GetStep(ctx context.Context, workerID string) (*broker.Assignment, error) {
	var a broker.Assignment
	path := "/workflow/step?worker_id=" + url.QueryEscape(workerID)
	status, err := c.do(ctx, http.MethodGet, path, nil, &a)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &a, nil
}

// ReportStep implements BrokerClient.
func (c *HTTPClient) ReportStep(ctx context.Context, workerID string, report broker.StepReport) error {
	path := "/workflow/step?worker_id=" + url.QueryEscape(workerID)
	_, err := c.do(ctx, http.MethodPost, path, report, nil)
	return err
}

var _ BrokerClient = (*HTTPClient)(nil)
