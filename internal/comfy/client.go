package comfy

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

// Client makes REST calls to the generation backend.
type Client struct {
	baseURL      string
	client       *http.Client
	probeTimeout time.Duration
}

// NewClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8188").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		probeTimeout: 5 * time.Second,
	}
}

// SetProbeTimeout bounds the HEAD request issued by ViewAccessible.
func (c *Client) SetProbeTimeout(d time.Duration) {
	if d > 0 {
		c.probeTimeout = d
	}
}

// SystemStats probes GET /system_stats and fails unless it answers 200.
func (c *Client) SystemStats(ctx context.Context) error {
	var stats json.RawMessage
	return c.get(ctx, "/system_stats", &stats)
}

// QueuePrompt submits a workflow on behalf of clientID. A non-200 answer or
// any node errors come back as *SubmissionError.
func (c *Client) QueuePrompt(ctx context.Context, workflow any, clientID string) (*PromptResponse, error) {
	body := PromptRequest{Prompt: workflow, ClientID: clientID}
	var out PromptResponse
	status, raw, err := c.do(ctx, http.MethodPost, "/prompt", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &SubmissionError{StatusCode: status, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("POST /prompt: decoding response: %w", err)
	}
	if out.HasNodeErrors() {
		return &out, &SubmissionError{StatusCode: status, NodeErrors: string(out.NodeErrors)}
	}
	return &out, nil
}

// History fetches the execution record of promptID.
func (c *Client) History(ctx context.Context, promptID string) (History, error) {
	var out History
	if err := c.get(ctx, "/history/"+url.PathEscape(promptID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ViewURL builds the retrieval locator for an output image.
func (c *Client) ViewURL(img ImageRef) string {
	q := url.Values{}
	q.Set("filename", img.Filename)
	if img.Subfolder != "" {
		q.Set("subfolder", img.Subfolder)
	}
	q.Set("type", img.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// ViewAccessible reports whether a HEAD request on locator answers 200.
func (c *Client) ViewAccessible(ctx context.Context, locator string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Interrupt stops whatever the backend is executing. The endpoint is global:
// it cannot target a single prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.post(ctx, "/interrupt", nil)
}

func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	var out QueueState
	if err := c.get(ctx, "/queue", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFromQueue removes the given prompts from the pending and running queue.
func (c *Client) DeleteFromQueue(ctx context.Context, promptIDs []string) error {
	return c.post(ctx, "/queue", queueDeleteRequest{Delete: promptIDs})
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	status, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: %d %s", path, status, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("GET %s: decoding response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("POST %s: %d %s", path, status, string(raw))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s %s: reading body: %w", method, path, err)
	}
	return resp.StatusCode, raw, nil
}
