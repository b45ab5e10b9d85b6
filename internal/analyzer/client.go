package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the configuration for the HTTP risk analyzer client
type Config struct {
	BaseURL string
	// Timeout bounds one Analyze call, retries and backoff included.
	Timeout time.Duration
	// AttemptTimeout caps a single HTTP attempt. Zero splits Timeout evenly
	// across the attempts.
	AttemptTimeout time.Duration
	RetryCount     int
	// BackoffBase is the first retry delay; later delays double it.
	BackoffBase time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:5005",
		Timeout:     20 * time.Second,
		RetryCount:  2,
		BackoffBase: time.Second,
	}
}

// Client talks to an external scoring service over HTTP.
type Client struct {
	httpClient *http.Client
	config     Config
}

func NewClient(config Config) *Client {
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: config.AttemptTimeout,
		},
		config: config,
	}
}

// Analyze calls POST /analyze with the detections to score.
func (c *Client) Analyze(ctx context.Context, req *Request) (*Assessment, error) {
	if req == nil || len(req.Detections) == 0 {
		return nil, ErrEmptyRequest
	}

	var resp Assessment
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "/analyze", req, &resp); err != nil {
		return nil, err
	}

	resp.Normalize()
	return &resp, nil
}

const maxBackoff = 30 * time.Second

// statusError carries the upstream HTTP status so retries can skip client errors.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("risk analyzer returned status %d: %s", e.status, e.body)
}

func (c *Client) backoff(attempt int) time.Duration {
	return backoffDelay(c.config.BackoffBase, attempt)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// scaleBackoff shrinks the base delay so all retry waits together take at most
// a quarter of budget.
func scaleBackoff(base time.Duration, retries int, budget time.Duration) time.Duration {
	if retries <= 0 || budget <= 0 {
		return base
	}
	var total time.Duration
	for i := 1; i <= retries; i++ {
		total += backoffDelay(base, i)
	}
	limit := budget / 4
	if total <= limit {
		return base
	}
	scaled := time.Duration(float64(base) * float64(limit) / float64(total))
	if scaled < time.Millisecond {
		scaled = time.Millisecond
	}
	return scaled
}

// attemptTimeout splits what is left of the deadline across the remaining
// attempts, after reserving their backoff waits.
func (c *Client) attemptTimeout(ctx context.Context, attempt int, base time.Duration) time.Duration {
	limit := c.config.AttemptTimeout
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}

	var waits time.Duration
	for i := attempt + 1; i <= c.config.RetryCount; i++ {
		waits += backoffDelay(base, i)
	}
	left := time.Duration(c.config.RetryCount - attempt + 1)
	share := (time.Until(deadline) - waits) / left
	if share <= 0 {
		return limit
	}
	if limit <= 0 || share < limit {
		return share
	}
	return limit
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, body, result interface{}) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	base := c.config.BackoffBase
	if deadline, ok := ctx.Deadline(); ok {
		base = scaleBackoff(base, c.config.RetryCount, time.Until(deadline))
	}

	var lastErr error

	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, ctx.Err())
			case <-time.After(backoffDelay(base, attempt)):
			}
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if d := c.attemptTimeout(ctx, attempt, base); d > 0 {
			actx, cancel = context.WithTimeout(ctx, d)
		}
		lastErr = c.doRequest(actx, method, path, body, result)
		cancel()
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, ctx.Err())
		}

		// 4xx means the request itself is wrong; retrying will not help
		if isClientError(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %w", ErrAnalyzerUnavailable, lastErr)
}

func isClientError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 400 && se.status < 500
	}
	return false
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	return nil
}
