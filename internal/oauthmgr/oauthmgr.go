// Package oauthmgr manages the adapter's single upstream OAuth access
// credential: refreshing it against the project-management API's token
// endpoint, caching it in the shared key-value store, and coordinating
// refreshes across replicas so only one process talks to the token
// endpoint at a time.
package oauthmgr

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/metrics"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

const (
	cacheKey       = "oauth:access_token"
	refreshLock    = "oauth:refresh_lock"
	tokenEndpoint  = "https://accounts.zoho.com/oauth/v2/token"
	revokeEndpoint = "https://accounts.zoho.com/oauth/v2/token/revoke"

	maxRetries       = 3
	baseDelay        = time.Second
	maxDelay         = 60 * time.Second
	lockTTL          = 30 * time.Second
	minLockPollDelay = 50 * time.Millisecond
	maxLockPollDelay = 500 * time.Millisecond

	defaultSafetyMargin = 5 * time.Minute
)

// Credentials are the three values required to refresh an access token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Manager hands out a live access token, refreshing it through the
// project-management API's OAuth endpoint under a KV-backed lock so that
// at most one replica performs the refresh call at a time.
type Manager struct {
	creds        Credentials
	store        *kvstore.Store
	safetyMargin time.Duration
	client       *http.Client
}

// NewManager validates creds and constructs a Manager backed by store.
// safetyMargin is the buffer subtracted from a refreshed token's
// expires_in before it is cached (spec's token-safety-margin config item,
// default 5 minutes); a credential whose remaining lifetime falls below
// this margin is treated as expired. A zero safetyMargin falls back to
// the default.
func NewManager(creds Credentials, store *kvstore.Store, safetyMargin time.Duration) (*Manager, error) {
	if creds.ClientID == "" {
		return nil, rpcerr.New(rpcerr.KindCredentialUnavailable, "client id is required")
	}
	if creds.ClientSecret == "" {
		return nil, rpcerr.New(rpcerr.KindCredentialUnavailable, "client secret is required")
	}
	if creds.RefreshToken == "" {
		return nil, rpcerr.New(rpcerr.KindCredentialUnavailable, "refresh token is required")
	}
	if safetyMargin <= 0 {
		safetyMargin = defaultSafetyMargin
	}

	return &Manager{
		creds:        creds,
		store:        store,
		safetyMargin: safetyMargin,
		client:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Current returns a live access token, using the cached one when present
// and refreshing otherwise.
func (m *Manager) Current(ctx context.Context) (string, error) {
	if tok, err := m.cached(); err == nil {
		return tok, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards any cached token and refreshes immediately,
// called once by the upstream client after a single 401 response.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	_ = m.store.Delete(cacheKey)
	return m.refreshLocked(ctx)
}

// revoke tells the token endpoint to invalidate token and, on success,
// drops it from the cache so the next Current call refreshes rather than
// handing out a token the upstream no longer honours. It has no
// tool-facing exposure; it exists for credential rotation drills that
// need to prove a compromised token stops working immediately rather
// than lingering until its cached TTL expires.
func (m *Manager) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindInternal, err, "build oauth revoke request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "network error during oauth revoke")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return rpcerr.New(rpcerr.KindUpstreamRejected, "oauth revoke failed: %d", resp.StatusCode)
	}

	if err := m.store.Delete(cacheKey); err != nil {
		logger.Warn(ctx, "oauth token revoked upstream but cache entry could not be cleared", "err", err)
	}
	return nil
}

// tokenExpiryWarning is the remaining-TTL threshold below which Health
// reports the cached credential as degraded. The original client's own
// expiry-warning check uses a flat 3-day threshold, which never fires
// meaningfully against this credential's hour-scale lifetime; scaled down
// to the cache's actual refresh window instead.
const tokenExpiryWarning = 30 * time.Second

// Health reports whether a live token is cached and how much of its TTL
// remains. ok is false if no token is cached or the remaining TTL has
// fallen under the expiry-warning threshold.
func (m *Manager) Health() (ok bool, remaining time.Duration) {
	remaining, err := m.store.TTLRemaining(cacheKey)
	if err != nil {
		return false, 0
	}
	return remaining >= tokenExpiryWarning, remaining
}

func (m *Manager) cached() (string, error) {
	v, err := m.store.Get(cacheKey)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// refreshLocked acquires the shared refresh lock before calling the token
// endpoint. Replicas that lose the race poll the cache, with jittered
// backoff growing from 50ms to a 500ms cap, until the lock holder has
// published a fresh token, instead of issuing redundant refresh calls of
// their own.
func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	err := m.store.CreateIfAbsentTTL(refreshLock, []byte("1"), lockTTL)
	if err == nil {
		defer func() { _ = m.store.Delete(refreshLock) }()
		return m.refresh(ctx)
	}

	logger.Debug(ctx, "oauth refresh already in progress, waiting for lease holder")
	deadline := time.Now().Add(lockTTL)
	poll := minLockPollDelay
	for time.Now().Before(deadline) {
		if tok, err := m.cached(); err == nil {
			return tok, nil
		}
		wait := poll/2 + time.Duration(rand.Int63n(int64(poll/2)+1))
		select {
		case <-ctx.Done():
			return "", rpcerr.Wrap(rpcerr.KindTimeout, ctx.Err(), "waiting for oauth refresh")
		case <-time.After(wait):
		}
		poll *= 2
		if poll > maxLockPollDelay {
			poll = maxLockPollDelay
		}
	}
	return "", rpcerr.New(rpcerr.KindCredentialUnavailable, "timed out waiting for oauth refresh lease holder")
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// refresh performs the actual token-endpoint call with retry and backoff,
// mirroring the project-management API client's own refresh loop: network
// errors and 5xx/429 responses retry with jittered exponential backoff
// (honoring Retry-After when the upstream sends one); 400/401/403 fail
// immediately as non-retriable.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		tok, retryAfter, err := m.refreshOnce(ctx)
		if err == nil {
			metrics.RecordTokenRefresh("ok")
			return tok, nil
		}

		rerr := rpcerr.As(err)
		if rerr != nil && !rerr.Retryable() {
			metrics.RecordTokenRefresh("rejected")
			return "", err
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := backoffDelay(attempt, retryAfter)
		logger.Warn(ctx, "oauth refresh attempt failed, retrying", "attempt", attempt+1, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return "", rpcerr.Wrap(rpcerr.KindTimeout, ctx.Err(), "oauth refresh cancelled")
		case <-time.After(delay):
		}
	}

	metrics.RecordTokenRefresh("transient")
	return "", rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, lastErr, "oauth refresh failed after %d attempts", maxRetries)
}

func (m *Manager) refreshOnce(ctx context.Context) (token string, retryAfter time.Duration, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {m.creds.ClientID},
		"client_secret": {m.creds.ClientSecret},
		"refresh_token": {m.creds.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, rpcerr.Wrap(rpcerr.KindInternal, err, "build oauth refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, err, "network error during oauth refresh")
	}
	defer func() { _ = resp.Body.Close() }()

	var body tokenResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil {
		return "", 0, rpcerr.Wrap(rpcerr.KindUpstreamUnavailable, decodeErr, "decode oauth refresh response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			retryAfter = ra
		}
		return "", retryAfter, rpcerr.New(rpcerr.KindUpstreamUnavailable, "oauth refresh rate limited")
	}

	if resp.StatusCode != http.StatusOK || body.Error != "" {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", 0, rpcerr.New(rpcerr.KindUpstreamRejected, "oauth refresh rejected: %s: %s", body.Error, body.ErrorDesc)
		}
		return "", 0, rpcerr.New(rpcerr.KindUpstreamUnavailable, "oauth refresh failed: %d %s: %s", resp.StatusCode, body.Error, body.ErrorDesc)
	}

	ttl := time.Duration(body.ExpiresIn)*time.Second - m.safetyMargin
	if ttl <= 0 {
		ttl = time.Minute
	}

	if err := m.store.SetTTL(cacheKey, []byte(body.AccessToken), ttl); err != nil {
		logger.Warn(ctx, "failed to cache refreshed oauth token", "err", err)
	}

	return body.AccessToken, 0, nil
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
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
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

