package saur

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrSessionExpired is returned by FetchConsumption when there is no session or
// its token lifetime has elapsed. No request is sent; the caller must authenticate again.
var ErrSessionExpired = &SessionExpiredError{}

// SessionExpiredError signals a locally detected expired or missing session
type SessionExpiredError struct{}

func (e *SessionExpiredError) Error() string {
	return "session expired, please re-authenticate"
}

// AuthenticationError represents rejected credentials or a failing auth endpoint
type AuthenticationError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed: %d %s", e.StatusCode, e.Status)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// UnauthorizedError is an HTTP 401 on a consumption request
type UnauthorizedError struct{}

func (e *UnauthorizedError) Error() string {
	return "unauthorized (status 401), token may have expired"
}

// RequestError is any other failed consumption request
type RequestError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API request failed: %v", e.Err)
	}
	return fmt.Sprintf("API request failed: %d %s", e.StatusCode, e.Status)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err means the provider rejected the token.
// Errors from other layers that only carry the status in their message count too.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var unauthorized *UnauthorizedError
	if errors.As(err, &unauthorized) {
		return true
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == http.StatusUnauthorized
	}
	return unauthorizedPattern.MatchString(err.Error())
}

var unauthorizedPattern = regexp.MustCompile(`\b401\b`)

// statusText returns the reason phrase of an HTTP status line
func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
}
