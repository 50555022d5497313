// Package remote provides HTTP clients for the learning-platform services the
// portal synchronizes from: bearer-token management with refresh-on-401,
// lazy pagination, and uniform error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRemoteAPI is the uniform failure kind for every remote collaborator:
// authorization, transport, non-2xx, and malformed-response failures all
// match errors.Is(err, ErrRemoteAPI). Callers never see transport-specific
// errors.
var ErrRemoteAPI = errors.New("remote: api error")

// Status sentinels refine ErrRemoteAPI for callers that care about the cause.
var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServerError  = errors.New("remote: server error")
	ErrTransport    = errors.New("remote: transport failure")
	ErrMalformed    = errors.New("remote: malformed response")
)

// APIError describes one failed remote call. It matches both ErrRemoteAPI
// and the more specific sentinel in Err.
type APIError struct {
	Method     string
	URL        string
	StatusCode int    // 0 for transport and token failures
	Reason     string // HTTP status text or transport error text
	Message    string // response body, truncated
	Err        error  // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: %s %s: HTTP %d %s: %s", e.Method, e.URL, e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("remote: %s %s: %s", e.Method, e.URL, e.Reason)
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRemoteAPI}
	}

	return []error{ErrRemoteAPI, e.Err}
}

// maxMessageBytes bounds how much of an error body is kept on APIError.
const maxMessageBytes = 512

func truncateMessage(b []byte) string {
	if len(b) > maxMessageBytes {
		return string(b[:maxMessageBytes]) + "..."
	}

	return string(b)
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
