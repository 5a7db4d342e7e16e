// Package credentials holds the brokerage OAuth token set for the whole
// process and persists it through a pluggable key-value backend.
//
// Reads are served from memory. SetTokens writes the backend first and only
// then swaps the in-memory copy, so a failed write never leaves the process
// holding tokens that would be lost on restart.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Persisted keys. The prefix matches the variable names the dashboard's
// .env file has always used, so an existing file keeps working.
const (
	KeyAccessToken  = "QUESTRADE_ACCESS_TOKEN"
	KeyRefreshToken = "QUESTRADE_REFRESH_TOKEN"
	KeyTokenExpiry  = "QUESTRADE_TOKEN_EXPIRY"
	KeyAPIServer    = "QUESTRADE_API_SERVER"
)

// ExpirySafetyMargin is subtracted from expires_in so a token is treated as
// expired slightly before the brokerage rejects it.
const ExpirySafetyMargin = 60 * time.Second

// Backend persists string key-value pairs. Save must update only the keys it
// is given and leave every other key in the store untouched.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
}

// TokenSet is the complete credential state.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	APIServer    string
}

// Store is the process-wide credential state.
type Store struct {
	backend Backend
	now     func() time.Time
	log     *slog.Logger

	mu     sync.RWMutex
	tokens TokenSet
	// expiryOK is false when nothing is stored or the persisted expiry
	// could not be parsed.
	expiryOK bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store over backend. Call Load to pick up persisted tokens.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted token set into memory. Missing keys stay absent.
func (s *Store) Load(ctx context.Context) error {
	values, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("credentials load: %w", err)
	}

	ts := TokenSet{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		APIServer:    values[KeyAPIServer],
	}
	expiryOK := false
	if raw := strings.TrimSpace(values[KeyTokenExpiry]); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			ts.Expiry = time.Unix(int64(secs), 0).UTC()
			expiryOK = true
		} else {
			s.log.Warn("unparsable token expiry, treating credentials as expired", "key", KeyTokenExpiry)
		}
	}

	s.mu.Lock()
	s.tokens = ts
	s.expiryOK = expiryOK
	s.mu.Unlock()

	s.log.Info("credentials loaded",
		"has_access_token", ts.AccessToken != "",
		"has_refresh_token", ts.RefreshToken != "",
		"expiry", ts.Expiry.Format(time.RFC3339),
	)
	return nil
}

// SetTokens persists a complete token set and makes it visible to readers.
// expiresIn is the lifetime reported by the brokerage, in seconds.
//
// The set is installed in memory even when the backend write fails: the
// brokerage has already invalidated the previous refresh token, so keeping
// the new one alive in-process is the only way to keep the session. The
// failure is logged and the session will not survive a restart.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, expiresIn int, apiServer string) (TokenSet, error) {
	expiry := s.now().UTC().Add(time.Duration(expiresIn)*time.Second - ExpirySafetyMargin).Truncate(time.Second)
	ts := TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       expiry,
		APIServer:    apiServer,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(ctx, map[string]string{
		KeyAccessToken:  access,
		KeyRefreshToken: refresh,
		KeyTokenExpiry:  strconv.FormatInt(expiry.Unix(), 10),
		KeyAPIServer:    apiServer,
	}); err != nil {
		s.log.Error("credentials not persisted, keeping them in memory only", "error", err)
	}

	s.tokens = ts
	s.expiryOK = true
	return ts, nil
}

// Tokens returns a copy of the current token set.
func (s *Store) Tokens() TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// AccessToken returns the stored access token, if any.
func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken, s.tokens.AccessToken != ""
}

// RefreshToken returns the stored refresh token, if any.
func (s *Store) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.RefreshToken, s.tokens.RefreshToken != ""
}

// APIServer returns the stored API server base URL with a trailing slash.
func (s *Store) APIServer() (string, bool) {
	s.mu.RLock()
	server := s.tokens.APIServer
	s.mu.RUnlock()
	if server == "" {
		return "", false
	}
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	return server, true
}

// IsExpired reports whether the access token must be refreshed before use.
func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.expiryOK {
		return true
	}
	return !s.now().Before(s.tokens.Expiry)
}
