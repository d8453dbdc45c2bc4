package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/sitecapture/internal/gateway"
	"github.com/JakeFAU/sitecapture/internal/job"
)

// Client calls one region's gateway.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient returns a client for the gateway rooted at baseURL.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/jobs",
		apiKey:   apiKey,
		http:     httpClient,
	}
}

// Error is a failure reply from the gateway.
type Error struct {
	StatusCode int
	Message    string
	Reasons    []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// UserAgents lists the profile table.
func (c *Client) UserAgents(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.do(ctx, Command{ListUserAgents: true}, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches queue and pool counters.
func (c *Client) Status(ctx context.Context) (gateway.Status, error) {
	var out gateway.Status
	if err := c.do(ctx, Command{QueueStatus: true}, &out, nil); err != nil {
		return gateway.Status{}, err
	}
	return out, nil
}

// Submit enqueues a job and returns its capability.
func (c *Client) Submit(ctx context.Context, req job.Request) (gateway.Submission, error) {
	var resp Response
	if err := c.do(ctx, Command{SubmitJob: &req}, nil, &resp); err != nil {
		return gateway.Submission{}, err
	}
	sub := gateway.Submission{
		JobID:      resp.JobID,
		Capability: job.Capability{URL: resp.URL, Key: resp.Filename},
	}
	if resp.ExpiresAt != nil {
		sub.Capability.ExpiresAt = *resp.ExpiresAt
	}
	return sub, nil
}

// do posts cmd. message, when set, receives the decoded message payload; full receives
// the whole response.
func (c *Client) do(ctx context.Context, cmd Command, message any, full *Response) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}

	var envelope struct {
		Response
		Message json.RawMessage `json:"message,omitempty"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if res.StatusCode >= 300 || envelope.Status != StatusSuccess {
		return &Error{StatusCode: res.StatusCode, Message: envelope.Error, Reasons: envelope.Reasons}
	}
	if full != nil {
		*full = envelope.Response
	}
	if message != nil && len(envelope.Message) > 0 {
		if err := json.Unmarshal(envelope.Message, message); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
	}
	return nil
}
