package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proctor-engine/internal/domain"
)

// Client talks to the assessment platform's REST API: one-shot attempt
// submission, attempt start (teacher-paced), and test definition fetch.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient overrides the underlying client (tests, custom transports).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitAttempt delivers a finished attempt. The caller (session manager)
// guarantees at most one call per attempt; this method does not retry.
func (c *Client) SubmitAttempt(ctx context.Context, testID string, submission domain.Submission) error {
	return c.post(ctx, "/tests/"+testID+"/submit", submission, nil)
}

// StartAttempt registers the attempt server-side and returns the server's
// start time, so already-elapsed time counts for clients that attach late.
func (c *Client) StartAttempt(ctx context.Context, testID string) (time.Time, error) {
	var resp struct {
		StartTime time.Time `json:"startTime"`
	}
	if err := c.post(ctx, "/tests/"+testID+"/start", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.StartTime, nil
}

// FetchTest loads the test definition (questions, marks, duration).
func (c *Client) FetchTest(ctx context.Context, testID string) (domain.Test, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tests/"+testID, nil)
	if err != nil {
		return domain.Test{}, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Test{}, fmt.Errorf("fetch test: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Test{}, domain.ErrTestNotFound
	}
	if resp.StatusCode/100 != 2 {
		return domain.Test{}, apiError(resp)
	}

	var test domain.Test
	if err := json.NewDecoder(resp.Body).Decode(&test); err != nil {
		return domain.Test{}, fmt.Errorf("decode test: %w", err)
	}
	return test, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func apiError(resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("request failed: %s (status %d)", payload.Message, resp.StatusCode)
	}
	return fmt.Errorf("request failed: status %d", resp.StatusCode)
}
