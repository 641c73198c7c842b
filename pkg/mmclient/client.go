// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mmclient implements the rate-limited, retrying HTTP client for
// the Mattermost REST API, together with the error taxonomy shared by the
// rest of the system.
package mmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/cronus42/mattermost-mcp/pkg/session"
)

// apiPrefix is the versioned REST surface all paths are relative to.
const apiPrefix = "/api/v4"

// RetryPolicy controls retry behavior. It is immutable per client.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay for each subsequent retry.
	Multiplier float64
}

// DefaultRetryPolicy mirrors the server defaults: 3 attempts, 1s base
// delay, doubling per retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// delay computes the backoff before the given retry (attempt is
// zero-based: delay(0) precedes the second attempt).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for range attempt {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Attempt describes a single request attempt, success or failure. Every
// attempt is reported to the observer independently so the embedding
// layer can derive latency and error metrics.
type Attempt struct {
	Method     string
	Path       string
	Attempt    int
	StatusCode int
	Duration   time.Duration
	Kind       Kind
	OK         bool
}

// AttemptObserver receives one call per request attempt.
type AttemptObserver func(Attempt)

// Options configures a Client. Zero values select defaults.
type Options struct {
	Timeout       time.Duration
	Policy        RetryPolicy
	RatePerSecond float64
	RateBurst     int
	// HTTPClient overrides the underlying transport, mainly for tests.
	HTTPClient *http.Client
	UserAgent  string
}

// Client issues outbound calls to the Mattermost REST API under rate
// limiting, retry, and backoff policy. All calls except Authenticate are
// gated on the session being authenticated.
type Client struct {
	session *session.Session
	http    *http.Client
	budget  *RateBudget
	policy  RetryPolicy
	log     zerolog.Logger
	ua      string

	obsMu    sync.RWMutex
	observer AttemptObserver
}

// New creates a client bound to the given session.
func New(sess *session.Session, log zerolog.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Policy.Multiplier <= 0 {
		opts.Policy.Multiplier = 2
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "mattermost-mcp/0.1.0"
	}
	return &Client{
		session: sess,
		http:    httpClient,
		budget:  NewRateBudget(opts.RatePerSecond, opts.RateBurst),
		policy:  opts.Policy,
		log:     log.With().Str("component", "mm_client").Logger(),
		ua:      ua,
	}
}

// SetAttemptObserver installs the per-attempt metrics hook. Pass nil to
// remove it.
func (c *Client) SetAttemptObserver(fn AttemptObserver) {
	c.obsMu.Lock()
	c.observer = fn
	c.obsMu.Unlock()
}

func (c *Client) observe(a Attempt) {
	c.obsMu.RLock()
	fn := c.observer
	c.obsMu.RUnlock()
	if fn != nil {
		fn(a)
	}
}

// Do issues a request against the current session. The path is relative
// to /api/v4. A non-nil body is JSON-encoded. It fails fast with
// KindUnauthorized, before any network I/O, while the session is
// unauthenticated.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	creds := c.session.Snapshot()
	if !creds.Authenticated {
		return nil, &APIError{
			Kind:   KindUnauthorized,
			Method: method,
			Path:   path,
			Err:    errors.New("not authenticated"),
		}
	}
	return c.do(ctx, creds.ServerURL, creds.Token, method, path, query, body)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Upload issues a POST with a raw, non-JSON payload (file contents).
// The same gate, rate limit, and retry policy apply as for Do.
func (c *Client) Upload(ctx context.Context, path string, query url.Values, contentType string, payload []byte) ([]byte, error) {
	creds := c.session.Snapshot()
	if !creds.Authenticated {
		return nil, &APIError{
			Kind:   KindUnauthorized,
			Method: http.MethodPost,
			Path:   path,
			Err:    errors.New("not authenticated"),
		}
	}
	return c.doRaw(ctx, creds.ServerURL, creds.Token, http.MethodPost, path, query, payload, contentType)
}

// do JSON-encodes the body and runs the request loop.
func (c *Client) do(ctx context.Context, baseURL, token, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{
				Kind:   KindInvalidInput,
				Method: method,
				Path:   path,
				Err:    fmt.Errorf("encode request body: %w", err),
			}
		}
	}
	return c.doRaw(ctx, baseURL, token, method, path, query, payload, "application/json")
}

// doRaw runs the acquire/request/classify/backoff loop from the design:
// take a token, issue the request, retry transient failures with
// exponential backoff (a parseable Retry-After hint wins), and fail with
// the mapped kind otherwise.
func (c *Client) doRaw(ctx context.Context, baseURL, token, method, path string, query url.Values, payload []byte, contentType string) ([]byte, error) {
	log := c.log.With().
		Str("request_id", random.String(12)).
		Str("method", method).
		Str("path", path).
		Logger()

	var lastErr *APIError
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.policy.delay(attempt - 1)
			if lastErr != nil && lastErr.HasRetryAfter {
				delay = lastErr.RetryAfter
			}
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("kind", lastErr.Kind.String()).
				Msg("Retrying request")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctxError(ctx, method, path)
			case <-timer.C:
			}
		}

		if err := c.budget.Acquire(ctx); err != nil {
			return nil, ctxError(ctx, method, path)
		}

		start := time.Now()
		data, apiErr := c.attempt(ctx, baseURL, token, method, path, query, payload, contentType)
		a := Attempt{
			Method:   method,
			Path:     path,
			Attempt:  attempt + 1,
			Duration: time.Since(start),
			OK:       apiErr == nil,
		}
		if apiErr != nil {
			a.StatusCode = apiErr.StatusCode
			a.Kind = apiErr.Kind
		}
		c.observe(a)

		if apiErr == nil {
			log.Debug().Int("attempt", attempt+1).Dur("duration", a.Duration).Msg("Request completed")
			return data, nil
		}
		lastErr = apiErr
		if !apiErr.Kind.Retryable() {
			log.Debug().
				Int("status", apiErr.StatusCode).
				Str("kind", apiErr.Kind.String()).
				Msg("Request failed")
			return nil, apiErr
		}
	}

	log.Error().
		Int("attempts", c.policy.MaxAttempts).
		Str("kind", lastErr.Kind.String()).
		Msg("Retries exhausted")
	return nil, lastErr
}

// attempt performs a single HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, baseURL, token, method, path string, query url.Values, payload []byte, contentType string) ([]byte, *APIError) {
	reqURL := strings.TrimRight(baseURL, "/") + apiPrefix + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, &APIError{Kind: KindConnectionFailed, Method: method, Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: classifyTransport(err), Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindConnectionFailed, Method: method, Path: path, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Body:       truncateBody(data),
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs * float64(time.Second))
			apiErr.HasRetryAfter = true
		}
	}
	return nil, apiErr
}

// classifyTransport maps a transport-level error to Timeout or
// ConnectionFailed.
func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnectionFailed
}

// ctxError converts a context cancellation into the matching APIError.
func ctxError(ctx context.Context, method, path string) *APIError {
	kind := KindConnectionFailed
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &APIError{Kind: kind, Method: method, Path: path, Err: ctx.Err()}
}

// Authenticate validates the token with a lightweight identity call and,
// on success, atomically installs the credentials in the session and
// notifies its listeners. It is the single operation exempt from the
// authentication gate. A later stream reconnect failure does not undo a
// successful authentication.
func (c *Client) Authenticate(ctx context.Context, serverURL, token, teamID string) (session.Credentials, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	data, err := c.do(ctx, serverURL, token, http.MethodGet, "/users/me", nil, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("server_url", serverURL).Msg("Authentication failed")
		return session.Credentials{}, err
	}

	var me model.User
	if err := json.Unmarshal(data, &me); err != nil {
		return session.Credentials{}, &APIError{
			Kind:   KindServerError,
			Method: http.MethodGet,
			Path:   "/users/me",
			Err:    fmt.Errorf("decode identity response: %w", err),
		}
	}

	creds := session.Credentials{
		ServerURL:     serverURL,
		Token:         token,
		TeamID:        teamID,
		UserID:        me.Id,
		Username:      me.Username,
		Authenticated: true,
		ValidatedAt:   time.Now(),
	}
	c.session.Set(creds)
	return creds, nil
}

// Logout revokes the server session on a best-effort basis, then clears
// the local credentials. Listeners (the streaming client in particular)
// observe the cleared snapshot and shut their connection down without
// rescheduling a reconnect.
func (c *Client) Logout(ctx context.Context) {
	creds := c.session.Snapshot()
	if creds.Authenticated {
		if _, err := c.do(ctx, creds.ServerURL, creds.Token, http.MethodPost, "/users/logout", nil, nil); err != nil {
			c.log.Warn().Err(err).Msg("Remote logout failed, clearing local session anyway")
		}
	}
	c.session.Clear()
}
