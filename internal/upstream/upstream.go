// Package upstream is the adapter's single outbound HTTP client for both
// the project-management API and the file-storage API: authenticated
// calls, per-call timeouts, retry/backoff on network failure and 5xx/429
// responses, a single forced-refresh-and-retry on 401, and classification
// of every upstream response into the adapter's rpcerr.Kind taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/metrics"
	"github.com/quietloop/projectbridge/internal/oauthmgr"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

const (
	maxRetries = 3
	baseDelay  = 500 * time.Millisecond
	maxDelay   = 20 * time.Second
	// maxRateLimitDelay caps the retry-after hint honoured on a 429
	// specifically, separate from the general backoff ceiling: a rate
	// limiter asking for a long cooldown shouldn't stall a caller for
	// as long as a struggling upstream is allowed to.
	maxRateLimitDelay = 4 * time.Second
)

// Service names the upstream being called, for metrics labels and error
// data.
type Service string

const (
	ServiceProjects Service = "project-management"
	ServiceFiles    Service = "file-storage"
)

// tokenManager is the subset of *oauthmgr.Manager a Client depends on.
// Narrowing to an interface lets tests exercise the 401-forces-refresh
// path with a fake that doesn't need a live OAuth token endpoint.
type tokenManager interface {
	Current(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client issues authenticated calls to an upstream REST API.
type Client struct {
	service Service
	baseURL string
	tokens  tokenManager
	http    *http.Client
}

// NewClient constructs a Client for the named service.
func NewClient(service Service, baseURL string, tokens *oauthmgr.Manager, timeout time.Duration) *Client {
	return &Client{
		service: service,
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping checks that the upstream host is reachable, for the liveness
// probe. Any response at all (including an auth-level 401/403) counts as
// reachable; only a network failure or a 5xx response is unhealthy.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindInternal, err, "build ping request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "%s unreachable", c.service)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return rpcerr.New(rpcerr.KindUpstreamUnavailable, "%s returned %d", c.service, resp.StatusCode)
	}
	return nil
}

// Request describes a single upstream call.
type Request struct {
	Method string
	Path   string // joined onto baseURL
	Query  map[string]string
	Body   any // marshaled as JSON if non-nil

	// Raw, when set, is sent as the request body verbatim (e.g. a binary
	// file upload) instead of Body, and skips JSON content-type headers.
	Raw     []byte
	RawMIME string

	forceRetry bool // set when the single 401 retry has not been used yet
}

// Do performs req against the upstream, returning the decoded JSON response
// body. A 401 triggers exactly one forced token refresh and retry; beyond
// that, 401 is classified as unauthorised.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	req.forceRetry = true
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		status, body, retryAfter, err := c.attempt(ctx, req)
		if err != nil {
			lastErr = err
			if attempt == maxRetries-1 {
				break
			}
			delay := backoffDelay(attempt, 0)
			logger.Warn(ctx, "upstream call failed, retrying", "service", c.service, "attempt", attempt+1, "delay", delay, "err", err)
			if waitErr := wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		switch {
		case status == http.StatusUnauthorized && req.forceRetry:
			req.forceRetry = false
			if _, refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
				metrics.RecordUpstreamCall(string(c.service), "unauthorised")
				return rpcerr.Wrap(rpcerr.KindUnauthorised, refreshErr, "upstream token refresh failed after 401")
			}
			continue

		case status == http.StatusUnauthorized:
			metrics.RecordUpstreamCall(string(c.service), "unauthorised")
			return rpcerr.New(rpcerr.KindUnauthorised, "upstream rejected credentials")

		case status == http.StatusForbidden:
			metrics.RecordUpstreamCall(string(c.service), "forbidden")
			return rpcerr.New(rpcerr.KindForbidden, "upstream denied access")

		case status == http.StatusNotFound:
			metrics.RecordUpstreamCall(string(c.service), "not-found")
			return rpcerr.New(rpcerr.KindNotFound, "upstream resource not found")

		case status == http.StatusConflict:
			metrics.RecordUpstreamCall(string(c.service), "conflict")
			return rpcerr.New(rpcerr.KindConflict, "upstream reported a conflict")

		case status == http.StatusTooManyRequests:
			lastErr = rpcerr.New(rpcerr.KindRateLimited, "upstream rate limited the request")
			if attempt == maxRetries-1 {
				break
			}
			capped := retryAfter
			if capped > maxRateLimitDelay {
				capped = maxRateLimitDelay
			}
			delay := backoffDelay(attempt, capped)
			if waitErr := wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue

		case status >= 500:
			lastErr = rpcerr.New(rpcerr.KindUpstreamUnavailable, "upstream returned %d", status)
			if attempt == maxRetries-1 {
				break
			}
			delay := backoffDelay(attempt, retryAfter)
			if waitErr := wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue

		case status >= 400:
			metrics.RecordUpstreamCall(string(c.service), "upstream-rejected")
			return rpcerr.New(rpcerr.KindUpstreamRejected, "upstream rejected the request (%d)", status).
				WithData(rpcerr.Data{UpstreamStatus: status})

		default:
			if out != nil && len(body) > 0 {
				if err := json.Unmarshal(body, out); err != nil {
					metrics.RecordUpstreamCall(string(c.service), "decode-error")
					return rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "decode upstream response")
				}
			}
			metrics.RecordUpstreamCall(string(c.service), "ok")
			return nil
		}
	}

	metrics.RecordUpstreamCall(string(c.service), "unavailable")
	return rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, lastErr, "upstream call failed after %d attempts", maxRetries)
}

func (c *Client) attempt(ctx context.Context, req Request) (status int, body []byte, retryAfter time.Duration, err error) {
	token, err := c.tokens.Current(ctx)
	if err != nil {
		return 0, nil, 0, rpcerr.Wrap(rpcerr.KindCredentialUnavailable, err, "obtain upstream access token")
	}

	url := c.baseURL + req.Path
	if len(req.Query) > 0 {
		q := make([]string, 0, len(req.Query))
		for k, v := range req.Query {
			q = append(q, fmt.Sprintf("%s=%s", k, v))
		}
		url += "?" + joinAmp(q)
	}

	var reader io.Reader
	contentType := ""
	switch {
	case req.Raw != nil:
		reader = bytes.NewReader(req.Raw)
		contentType = req.RawMIME
	case req.Body != nil:
		payload, marshalErr := json.Marshal(req.Body)
		if marshalErr != nil {
			return 0, nil, 0, rpcerr.Wrap(rpcerr.KindInternal, marshalErr, "marshal upstream request body")
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, reader)
	if err != nil {
		return 0, nil, 0, rpcerr.Wrap(rpcerr.KindInternal, err, "build upstream request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, 0, rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "network error calling upstream")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, 0, rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "read upstream response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			retryAfter = ra
		}
	}

	return resp.StatusCode, data, retryAfter, nil
}

func joinAmp(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "&" + p
	}
	return out
}

func backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	d := baseDelay * time.Duration(1<<uint(attempt))
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return rpcerr.Wrap(rpcerr.KindTimeout, ctx.Err(), "upstream retry wait cancelled")
	case <-time.After(d):
		return nil
	}
}
