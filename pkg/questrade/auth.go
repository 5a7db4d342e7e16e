// Package questrade is a read-only client for the Questrade OAuth2 and account
// data APIs. The Authenticator owns the token lifecycle and the Client is the
// single path through which data requests reach the brokerage.
//
// Usage example:
//
//	store := credentials.New(credentials.NewEnvFile(".env"))
//	_ = store.Load(ctx)
//	auth := questrade.NewAuthenticator(questrade.Config{ClientID: "abc"}, store)
//	qt := questrade.NewClient(auth)
//	accounts, err := qt.Accounts(ctx)
package questrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"theoros/internal/credentials"
)

const (
	DefaultAuthURL     = "https://login.questrade.com/oauth2/authorize"
	DefaultTokenURL    = "https://login.questrade.com/oauth2/token"
	DefaultRedirectURI = "http://localhost:8000/auth/callback"
	DefaultTimeout     = 15 * time.Second

	// placeholderClientID is the value shipped in the sample .env.
	placeholderClientID = "your_client_id_here"
)

// Refresh triggers, used as a metrics label.
const (
	TriggerExpired = "expired"
	TriggerUnauth  = "unauthorized"
	TriggerManual  = "manual"
)

// TokenStore is the credential state the Authenticator and Client need.
// *credentials.Store implements it.
type TokenStore interface {
	SetTokens(ctx context.Context, access, refresh string, expiresIn int, apiServer string) (credentials.TokenSet, error)
	AccessToken() (string, bool)
	RefreshToken() (string, bool)
	APIServer() (string, bool)
	IsExpired() bool
}

// Observer receives request and refresh outcomes. internal/metrics provides
// the Prometheus implementation.
type Observer interface {
	ObserveUpstream(endpoint string, status int, d time.Duration)
	ObserveRefresh(trigger, result string)
}

type nopObserver struct{}

func (nopObserver) ObserveUpstream(string, int, time.Duration) {}
func (nopObserver) ObserveRefresh(string, string)              {}

// Config holds the OAuth application settings.
type Config struct {
	ClientID    string
	RedirectURI string        // default: http://localhost:8000/auth/callback
	AuthURL     string        // default: https://login.questrade.com/oauth2/authorize
	TokenURL    string        // default: https://login.questrade.com/oauth2/token
	Timeout     time.Duration // default: 15s, applied to every outbound call
}

// Option configures an Authenticator or Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	observer   Observer
	logger     *slog.Logger
	onExpiry   func(ctx context.Context, err *RefreshError)
}

// WithHTTPClient sets the HTTP client used for outbound calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSessionExpiryHook registers fn to run when the brokerage rejects the
// stored refresh token. It runs once per rejected token, however many
// requests keep retrying it. The session can then only be restored by a fresh
// authorization, so this is the place to alert the operator. fn runs while
// token calls are serialized and must not block.
func WithSessionExpiryHook(fn func(ctx context.Context, err *RefreshError)) Option {
	return func(o *options) { o.onExpiry = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{},
		observer:   nopObserver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Grant is the token set installed by a successful exchange or refresh,
// together with the lifetime the brokerage reported for it.
type Grant struct {
	credentials.TokenSet
	ExpiresIn int
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	APIServer    string `json:"api_server"`
	TokenType    string `json:"token_type"`
}

// Authenticator exchanges authorization codes and refresh tokens and installs
// the resulting token sets in the store. Token calls are serialized so two
// requests never spend the same single-use refresh token.
type Authenticator struct {
	cfg   Config
	store TokenStore
	opts  options

	mu sync.Mutex
	// expiredRefresh is the last refresh token reported to the session
	// expiry hook; guarded by mu.
	expiredRefresh string
}

// NewAuthenticator creates an Authenticator with defaults applied to cfg.
func NewAuthenticator(cfg Config, store TokenStore, opts ...Option) *Authenticator {
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Authenticator{cfg: cfg, store: store, opts: buildOptions(opts)}
}

// Store returns the credential store the Authenticator writes to.
func (a *Authenticator) Store() TokenStore { return a.store }

// AuthorizeURL returns the consent page URL for the read-only scope.
func (a *Authenticator) AuthorizeURL() (string, error) {
	if a.cfg.ClientID == "" || a.cfg.ClientID == placeholderClientID {
		return "", ErrClientIDNotConfigured
	}
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("scope", "read_acc")
	return a.cfg.AuthURL + "?" + q.Encode(), nil
}

// ExchangeCode trades an authorization code for a token set and stores it.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (Grant, error) {
	q := url.Values{}
	q.Set("grant_type", "authorization_code")
	q.Set("code", code)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("client_id", a.cfg.ClientID)

	a.mu.Lock()
	defer a.mu.Unlock()

	status, body, err := a.postToken(ctx, q)
	if err != nil {
		return Grant{}, err
	}
	if status != http.StatusOK {
		a.opts.logger.Warn("authorization code exchange rejected", "status", status)
		return Grant{}, &AuthExchangeError{Status: status, Body: string(body)}
	}
	grant, err := a.install(ctx, body)
	if err != nil {
		return Grant{}, err
	}
	a.opts.logger.Info("authorization code exchanged", "api_server", grant.APIServer, "expires_in", grant.ExpiresIn)
	return grant, nil
}

// Refresh unconditionally spends the stored refresh token.
func (a *Authenticator) Refresh(ctx context.Context) (Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx, TriggerManual)
}

// EnsureFresh refreshes when the stored access token is expired. The expiry
// is checked again after acquiring the lock, so callers queued behind a
// refresh in progress reuse its result.
func (a *Authenticator) EnsureFresh(ctx context.Context) error {
	if !a.store.IsExpired() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.store.IsExpired() {
		return nil
	}
	_, err := a.refreshLocked(ctx, TriggerExpired)
	return err
}

// RefreshIfStale refreshes after failedToken was rejected by the data API,
// unless a concurrent caller has already replaced it.
func (a *Authenticator) RefreshIfStale(ctx context.Context, failedToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.store.AccessToken(); ok && current != failedToken {
		return nil
	}
	_, err := a.refreshLocked(ctx, TriggerUnauth)
	return err
}

func (a *Authenticator) refreshLocked(ctx context.Context, trigger string) (Grant, error) {
	refreshToken, ok := a.store.RefreshToken()
	if !ok {
		a.opts.observer.ObserveRefresh(trigger, "not_authenticated")
		return Grant{}, ErrNotAuthenticated
	}

	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("refresh_token", refreshToken)

	status, body, err := a.postToken(ctx, q)
	if err != nil {
		a.opts.observer.ObserveRefresh(trigger, "error")
		return Grant{}, err
	}
	if status != http.StatusOK {
		a.opts.observer.ObserveRefresh(trigger, "rejected")
		a.opts.logger.Warn("token refresh rejected", "trigger", trigger, "status", status)
		rerr := &RefreshError{Status: status, Body: string(body)}
		if a.opts.onExpiry != nil && refreshToken != a.expiredRefresh {
			a.expiredRefresh = refreshToken
			a.opts.onExpiry(ctx, rerr)
		}
		return Grant{}, rerr
	}

	grant, err := a.install(ctx, body)
	if err != nil {
		a.opts.observer.ObserveRefresh(trigger, "error")
		return Grant{}, err
	}
	a.opts.observer.ObserveRefresh(trigger, "ok")
	a.opts.logger.Info("access token refreshed", "trigger", trigger, "expires_in", grant.ExpiresIn)
	return grant, nil
}

func (a *Authenticator) install(ctx context.Context, body []byte) (Grant, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Grant{}, fmt.Errorf("questrade: couldn't parse token response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" || tr.APIServer == "" {
		return Grant{}, fmt.Errorf("questrade: token response missing fields")
	}
	ts, err := a.store.SetTokens(ctx, tr.AccessToken, tr.RefreshToken, tr.ExpiresIn, tr.APIServer)
	if err != nil {
		return Grant{}, err
	}
	return Grant{TokenSet: ts, ExpiresIn: tr.ExpiresIn}, nil
}

// postToken calls the token endpoint with params in the query string, which
// is what the brokerage expects for both grant types.
func (a *Authenticator) postToken(ctx context.Context, q url.Values) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	reqURL := a.cfg.TokenURL
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + q.Encode()
	} else {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.opts.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("questrade: token request: %w", err)
	}
	defer resp.Body.Close()
	a.opts.observer.ObserveUpstream("oauth2/token", resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("questrade: read token response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
