package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpalmerr/pingstream/check"
)

// maxDrainBytes bounds how much of a response body is read so the connection
// can go back to the pool.
const maxDrainBytes = 64 << 10

// connection pooling limits to prevent resource exhaustion when probing many targets
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// DefaultTimeout is used when a Checker is built with a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// Checker performs one reachability check of a target.
//
// Implementations must not mutate shared state and must always return a
// result; failures are reported through the result's Outcome.
type Checker interface {
	Check(ctx context.Context, target check.Target) check.Result
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, target check.Target) check.Result

// Check calls f(ctx, target).
func (f CheckerFunc) Check(ctx context.Context, target check.Target) check.Result {
	return f(ctx, target)
}

// HTTPChecker checks targets with a single GET request.
//
// The timeout is applied per request via the context rather than as a global
// client timeout, so cancelling the caller's context aborts the request too.
type HTTPChecker struct {
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewHTTPChecker creates an [HTTPChecker] with pooled connections.
//
// A non-positive timeout falls back to [DefaultTimeout].
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
		timeout: timeout,
		now:     time.Now,
	}
}

// Timeout returns the per-request timeout.
func (c *HTTPChecker) Timeout() time.Duration {
	return c.timeout
}

// Check issues a GET to target.URL and classifies the response.
func (c *HTTPChecker) Check(ctx context.Context, target check.Target) check.Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	result := check.Result{
		TargetID: target.ID,
		URL:      target.URL,
		Outcome:  check.Failure,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		result.Timestamp = c.now().UTC()
		result.Latency = time.Since(start)
		result.Error = fmt.Sprintf("invalid request: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "pingstream")

	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)
	result.Timestamp = c.now().UTC()
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	result.StatusCode = resp.StatusCode
	if Classify(resp.StatusCode) == check.Success {
		result.Outcome = check.Success
	} else {
		result.Error = resp.Status
	}
	return result
}

// Close releases idle pooled connections. Safe on a nil receiver and safe to
// call more than once; the checker stays usable afterwards.
func (c *HTTPChecker) Close() {
	if c == nil || c.client == nil {
		return
	}
	if transport, ok := c.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Classify maps an HTTP status code to an outcome: 2xx and 3xx are success.
func Classify(code int) check.Outcome {
	if code >= 200 && code < 400 {
		return check.Success
	}
	return check.Failure
}
