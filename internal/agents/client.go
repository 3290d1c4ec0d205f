package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	healthTimeout = 5 * time.Second
	maxErrorBody  = 2048
)

// Client performs HTTP calls against registry agents. Every call is bounded
// by the caller's context; PostJSON and Health add the agent timeout.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

// NewClient returns a client over a transport with no global timeout so
// streaming responses can run as long as their context allows.
func NewClient(log zerolog.Logger) *Client {
	return &Client{http: &http.Client{}, log: log}
}

// NewClientWith uses the given http.Client, mainly for tests.
func NewClientWith(hc *http.Client, log zerolog.Logger) *Client {
	return &Client{http: hc, log: log}
}

// HealthStatus is the result of probing one agent.
type HealthStatus struct {
	Key     string         `json:"key"`
	Name    string         `json:"name"`
	URL     string         `json:"url"`
	Enabled bool           `json:"enabled"`
	Healthy bool           `json:"healthy"`
	Error   string         `json:"error,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Health probes the agent's health endpoint and returns its decoded JSON
// body (nil when the body is not a JSON object).
func (c *Client) Health(ctx context.Context, a Agent) (map[string]any, error) {
	if !a.Enabled {
		return nil, unavailable(a, reasonDisabled, nil)
	}
	target, err := a.BuildURL(EndpointHealth)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(a, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, unavailable(a, reasonHealth, fmt.Errorf("status %d", resp.StatusCode))
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, nil
	}
	return body, nil
}

// Require fails with an UnavailableError unless the agent is enabled and
// passes its health check.
func (c *Client) Require(ctx context.Context, a Agent) error {
	_, err := c.Health(ctx, a)
	return err
}

// HealthAll probes every given agent concurrently.
func (c *Client) HealthAll(ctx context.Context, list []Agent) []HealthStatus {
	out := make([]HealthStatus, len(list))
	var wg sync.WaitGroup
	for i, a := range list {
		out[i] = HealthStatus{Key: a.Key, Name: a.Name, URL: a.URL, Enabled: a.Enabled}
		if !a.Enabled {
			continue
		}
		wg.Add(1)
		go func(i int, a Agent) {
			defer wg.Done()
			detail, err := c.Health(ctx, a)
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Healthy = true
			out[i].Detail = detail
		}(i, a)
	}
	wg.Wait()
	return out
}

// PostJSON posts body to the named endpoint and decodes the JSON response
// into out (skipped when out is nil).
func (c *Client) PostJSON(ctx context.Context, a Agent, endpoint string, body, out any) error {
	if !a.Enabled {
		return unavailable(a, reasonDisabled, nil)
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	resp, err := c.post(ctx, a, endpoint, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Agent: a.Key, Name: a.Name, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Open posts body and returns the live response for streaming. The caller
// owns the body and bounds the request through ctx.
func (c *Client) Open(ctx context.Context, a Agent, endpoint string, body any) (*http.Response, error) {
	if !a.Enabled {
		return nil, unavailable(a, reasonDisabled, nil)
	}
	return c.post(ctx, a, endpoint, body, "text/event-stream")
}

func (c *Client) post(ctx context.Context, a Agent, endpoint string, body any, accept string) (*http.Response, error) {
	target, err := a.BuildURL(endpoint)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", a.Key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(a, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn().Str("agent", a.Key).Str("url", target).Int("status", resp.StatusCode).Msg("agent returned error status")
		return nil, &ProtocolError{Agent: a.Key, Name: a.Name, Status: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

func classify(a Agent, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(a, reasonTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return unavailable(a, reasonUnreachable, err)
}
