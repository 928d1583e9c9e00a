package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tphummel/node_heartbeat/internal/models"
)

// Client is an HTTP client for the node_heartbeat API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client targeting endpoint. token is sent as a Bearer
// token when non-empty; the heartbeat route ignores it.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError reports a response with an unexpected status code.
type StatusError struct {
	Op      string
	Status  int
	Message string // "error" field of the response body, if any
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

func statusError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &StatusError{Op: op, Status: resp.StatusCode, Message: body.Error}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// ReportHeartbeat posts one heartbeat. Any status other than 200 is an error.
func (c *Client) ReportHeartbeat(ctx context.Context, hb models.HeartbeatRequest) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/heartbeat", hb)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("report heartbeat", resp)
	}
	return nil
}

// ListNodes returns every registered node.
func (c *Client) ListNodes(ctx context.Context) ([]models.Node, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list nodes", resp)
	}
	var out []models.Node
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	return out, nil
}

// GetNode fetches a single node by name. Returns nil, nil when the server
// responds 404 so callers can treat an unknown node as "never reported".
func (c *Client) GetNode(ctx context.Context, name string) (*models.Node, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(fmt.Sprintf("get node %q", name), resp)
	}
	var out models.Node
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}
