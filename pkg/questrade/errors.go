package questrade

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated means no usable credentials are stored. The user has to
// go through the OAuth consent flow again.
var ErrNotAuthenticated = errors.New("questrade: not authenticated, visit /auth/questrade to connect")

// ErrClientIDNotConfigured is returned by AuthorizeURL when the client id is
// missing or still the placeholder from the sample .env.
var ErrClientIDNotConfigured = errors.New("questrade: QUESTRADE_CLIENT_ID is not set")

// AuthExchangeError is a non-200 response to an authorization code exchange.
type AuthExchangeError struct {
	Status int
	Body   string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("questrade: token exchange failed (%d): %s", e.Status, e.Body)
}

// RefreshError is a non-200 response to a refresh_token grant. The stored
// refresh token is no longer valid and retrying will not help.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("questrade: token refresh failed (%d), re-authenticate via /auth/questrade", e.Status)
}

// UpstreamHTTPError is a non-2xx response from the data API.
type UpstreamHTTPError struct {
	Status int
	Body   string
	Path   string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("questrade: GET %s returned %d: %s", e.Path, e.Status, e.Body)
}

// IsAuthError reports whether err means the caller must re-authenticate.
// A 401 that survived the built-in refresh-and-retry counts as one.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	var exchErr *AuthExchangeError
	if errors.As(err, &exchErr) {
		return true
	}
	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) {
		return true
	}
	var upErr *UpstreamHTTPError
	return errors.As(err, &upErr) && upErr.Status == http.StatusUnauthorized
}
