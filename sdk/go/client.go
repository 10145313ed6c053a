package flowlinesdk

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
)

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Process represents the API process model.
type Process struct {
	ID             string         `json:"id"`
	Project        string         `json:"project"`
	EntryPoint     string         `json:"entry_point"`
	Status         string         `json:"status"`
	Requirements   []string       `json:"requirements,omitempty"`
	ActiveProfiles []string       `json:"active_profiles,omitempty"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string        `json:"lease_expires_at,omitempty"`
	ResumeArgs     map[string]any `json:"resume_args,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Lease describes the caller's hold on a claimed process.
type Lease struct {
	InstanceID string `json:"instance_id"`
	OwnerID    string `json:"owner_id"`
	ExpiresAt  string `json:"expires_at"`
}

// Pulled is the payload returned by a successful pull. Instance is nil when
// nothing was pending.
type Pulled struct {
	Instance     *Process       `json:"instance,omitempty"`
	MergedConfig map[string]any `json:"merged_config,omitempty"`
	Lease        *Lease         `json:"lease,omitempty"`
	ProcessToken string         `json:"process_token,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsTerminal reports whether a process status is final.
func IsTerminal(status string) bool {
	switch status {
	case "finished", "failed", "cancelled":
		return true
	}
	return false
}

// Enqueue submits a process instance.
func (c *Client) Enqueue(ctx context.Context, project, entryPoint string, profiles []string, arguments map[string]any) (Process, error) {
	body := map[string]any{
		"project":         project,
		"entry_point":     entryPoint,
		"active_profiles": profiles,
		"arguments":       arguments,
	}
	var resp Process
	err := c.do(ctx, http.MethodPost, "v1/processes", body, nil, &resp)
	return resp, err
}

// GetProcess fetches a process by instance id.
func (c *Client) GetProcess(ctx context.Context, instanceID string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodGet, "v1/processes/"+url.PathEscape(instanceID), nil, nil, &resp)
	return resp, err
}

// pollInterval is the gap between status polls.
const pollInterval = time.Second

// notFoundTolerance is how many consecutive 404s a poll rides out before
// giving up. A freshly enqueued instance can briefly be invisible to reads.
const notFoundTolerance = 5

// PollProcess polls until the instance reaches a terminal status or ctx ends.
func (c *Client) PollProcess(ctx context.Context, instanceID string) (Process, error) {
	notFound := 0
	for {
		p, err := c.GetProcess(ctx, instanceID)
		switch {
		case err == nil:
			notFound = 0
			if IsTerminal(p.Status) {
				return p, nil
			}
		case isNotFound(err):
			notFound++
			if notFound > notFoundTolerance {
				return Process{}, err
			}
		default:
			return Process{}, err
		}
		select {
		case <-ctx.Done():
			return Process{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Pull claims the next pending process matching the capabilities. A zero
// Pulled with nil error means nothing was pending.
func (c *Client) Pull(ctx context.Context, capabilities []string, waitSeconds int) (Pulled, error) {
	body := map[string]any{
		"capabilities": capabilities,
		"wait_seconds": waitSeconds,
	}
	var resp Pulled
	err := c.do(ctx, http.MethodPost, "v1/queue/pull", body, nil, &resp)
	return resp, err
}

// Heartbeat renews the lease on a claimed process.
func (c *Client) Heartbeat(ctx context.Context, instanceID string) (Lease, error) {
	var resp Lease
	err := c.do(ctx, http.MethodPost, "v1/processes/"+url.PathEscape(instanceID)+"/heartbeat", nil, nil, &resp)
	return resp, err
}

// Report submits the terminal status for a claimed process. logRef is an
// optional pointer to where the run's log ended up.
func (c *Client) Report(ctx context.Context, instanceID, status, logRef string) (Process, error) {
	body := map[string]any{"status": status}
	if logRef != "" {
		body["log_ref"] = logRef
	}
	var resp Process
	err := c.do(ctx, http.MethodPost, "v1/processes/"+url.PathEscape(instanceID)+"/status", body, nil, &resp)
	return resp, err
}

// Suspend parks a claimed process until an external resume.
func (c *Client) Suspend(ctx context.Context, instanceID string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, "v1/processes/"+url.PathEscape(instanceID)+"/suspend", nil, nil, &resp)
	return resp, err
}

// Cancel requests cancellation of a process.
func (c *Client) Cancel(ctx context.Context, instanceID string, force bool) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, "v1/processes/"+url.PathEscape(instanceID)+"/cancel", map[string]any{"force": force}, nil, &resp)
	return resp, err
}

// Resume moves a suspended process back into the queue.
func (c *Client) Resume(ctx context.Context, instanceID string, args map[string]any) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, "v1/processes/"+url.PathEscape(instanceID)+"/resume", map[string]any{"args": args}, nil, &resp)
	return resp, err
}

// KvGet reads a key in the instance scope of the process token.
func (c *Client) KvGet(ctx context.Context, processToken, key string) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	headers := map[string]string{"X-Process-Token": processToken}
	err := c.do(ctx, http.MethodGet, "v1/kv/"+url.PathEscape(key), nil, headers, &resp)
	return resp.Value, err
}

// KvPut writes a key in the instance scope of the process token.
func (c *Client) KvPut(ctx context.Context, processToken, key, value string) error {
	headers := map[string]string{"X-Process-Token": processToken}
	return c.do(ctx, http.MethodPut, "v1/kv/"+url.PathEscape(key), map[string]any{"value": value}, headers, nil)
}

// GetSecret reads a project secret; the caller's owner needs a read grant.
func (c *Client) GetSecret(ctx context.Context, project, name string) ([]byte, error) {
	var resp struct {
		Value []byte `json:"value"`
	}
	endpoint := fmt.Sprintf("v1/projects/%s/secrets/%s", url.PathEscape(project), url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Value, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
