// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an API failure into the fixed taxonomy shared by the
// REST client and the streaming client.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindInvalidInput
	KindNotFound
	KindConflict
	KindRateLimited
	KindServerError
	KindTimeout
	KindConnectionFailed
	// KindStreamDown marks the terminal stream failure surfaced after
	// automatic reconnection has been abandoned.
	KindStreamDown
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindStreamDown:
		return "stream_down"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind are transient and worth
// retrying locally.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout, KindConnectionFailed:
		return true
	default:
		return false
	}
}

// maxErrorBody caps how much of a response body is kept for diagnostics.
const maxErrorBody = 512

// APIError is the single error type produced by the client. It carries
// enough context to diagnose a failure without re-issuing the call.
type APIError struct {
	Kind       Kind
	StatusCode int
	Method     string
	Path       string
	// Body holds the response body truncated to maxErrorBody bytes.
	Body string
	// RetryAfter is the server-supplied retry hint; HasRetryAfter
	// distinguishes an explicit zero from an absent header.
	RetryAfter    time.Duration
	HasRetryAfter bool
	Err           error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Method, e.Path, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *APIError of the given kind.
func IsKind(err error, k Kind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == k
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(code int) Kind {
	switch {
	case code == 400:
		return KindInvalidInput
	case code == 401:
		return KindUnauthorized
	case code == 403:
		return KindForbidden
	case code == 404:
		return KindNotFound
	case code == 409:
		return KindConflict
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// truncateBody clips a response body for inclusion in an APIError.
func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
