package questrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"theoros/internal/credentials"
)

// fakeBroker serves the token endpoint and the data API from one server.
type fakeBroker struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	events     []string
	validToken string
	issued     int

	tokenCalls  atomic.Int32
	dataCalls   atomic.Int32
	tokenStatus int
	// dataStatuses is consumed one entry per data call; when empty the
	// request is authorized against validToken.
	dataStatuses []int
	handlers     map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeBroker(t *testing.T) *fakeBroker {
	fb := &fakeBroker{
		t:           t,
		validToken:  "acc-0",
		tokenStatus: http.StatusOK,
		handlers:    map[string]func(w http.ResponseWriter, r *http.Request){},
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBroker) apiServer() string { return fb.srv.URL + "/" }
func (fb *fakeBroker) tokenURL() string  { return fb.srv.URL + "/oauth2/token" }

func (fb *fakeBroker) record(e string) {
	fb.mu.Lock()
	fb.events = append(fb.events, e)
	fb.mu.Unlock()
}

func (fb *fakeBroker) Events() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.events...)
}

func (fb *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/token" {
		fb.tokenCalls.Add(1)
		fb.record("token:" + r.URL.Query().Get("grant_type"))
		fb.mu.Lock()
		status := fb.tokenStatus
		if status == http.StatusOK {
			fb.issued++
			fb.validToken = fmt.Sprintf("acc-%d", fb.issued)
		}
		issued, token := fb.issued, fb.validToken
		fb.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":"invalid_grant"}`, status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  token,
			"refresh_token": fmt.Sprintf("ref-%d", issued),
			"expires_in":    1800,
			"api_server":    fb.apiServer(),
			"token_type":    "Bearer",
		})
		return
	}

	fb.dataCalls.Add(1)
	fb.record("data:" + r.URL.Path)

	fb.mu.Lock()
	var forced int
	if len(fb.dataStatuses) > 0 {
		forced = fb.dataStatuses[0]
		fb.dataStatuses = fb.dataStatuses[1:]
	}
	valid := fb.validToken
	fb.mu.Unlock()

	if forced != 0 && forced != http.StatusOK {
		w.WriteHeader(forced)
		w.Write([]byte(`{"code":1017,"message":"Access token is invalid"}`))
		return
	}
	if forced == 0 && r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if h, ok := fb.handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	w.Write([]byte(`{"accounts":[{"type":"Margin","number":"26598145","status":"Active","isPrimary":true}]}`))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	upstream  []string
	refreshes []string
}

func (o *recordingObserver) ObserveUpstream(endpoint string, status int, _ time.Duration) {
	o.mu.Lock()
	o.upstream = append(o.upstream, fmt.Sprintf("%s %d", endpoint, status))
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRefresh(trigger, result string) {
	o.mu.Lock()
	o.refreshes = append(o.refreshes, trigger+":"+result)
	o.mu.Unlock()
}

type fixture struct {
	broker *fakeBroker
	store  *credentials.Store
	clock  *clock
	auth   *Authenticator
	client *Client
	obs    *recordingObserver
}

// newFixture returns a client whose store holds a valid token set matching
// the broker's current access token.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb := newFakeBroker(t)
	clk := &clock{t: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
	store := credentials.New(credentials.NewMemory(nil), credentials.WithClock(clk.Now))
	_, err := store.SetTokens(context.Background(), "acc-0", "ref-0", 1800, fb.apiServer())
	require.NoError(t, err)

	obs := &recordingObserver{}
	auth := NewAuthenticator(Config{ClientID: "client-1", TokenURL: fb.tokenURL()}, store, WithObserver(obs))
	return &fixture{broker: fb, store: store, clock: clk, auth: auth, client: NewClient(auth), obs: obs}
}

func TestGet_ValidTokenNoRefresh(t *testing.T) {
	f := newFixture(t)

	accounts, err := f.client.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "26598145", accounts[0].Number)
	assert.EqualValues(t, 0, f.broker.tokenCalls.Load())
	assert.EqualValues(t, 1, f.broker.dataCalls.Load())
}

func TestGet_ExpiredTokenRefreshesOnceBeforeDataCall(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)
	require.True(t, f.store.IsExpired())

	_, err := f.client.Accounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"token:refresh_token", "data:/v1/accounts"}, f.broker.Events())
	assert.False(t, f.store.IsExpired())
	ref, _ := f.store.RefreshToken()
	assert.Equal(t, "ref-1", ref)
	assert.Equal(t, []string{"expired:ok"}, f.obs.refreshes)
}

func TestGet_UnauthorizedThenOKRetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.broker.dataStatuses = []int{http.StatusUnauthorized}

	accounts, err := f.client.Accounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	assert.Equal(t, []string{"data:/v1/accounts", "token:refresh_token", "data:/v1/accounts"}, f.broker.Events())
	assert.EqualValues(t, 1, f.broker.tokenCalls.Load())
	assert.Equal(t, []string{"unauthorized:ok"}, f.obs.refreshes)
}

func TestGet_UnauthorizedTwiceStops(t *testing.T) {
	f := newFixture(t)
	f.broker.dataStatuses = []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusUnauthorized}

	_, err := f.client.Accounts(context.Background())
	require.Error(t, err)

	var upErr *UpstreamHTTPError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusUnauthorized, upErr.Status)
	assert.True(t, IsAuthError(err))
	assert.EqualValues(t, 2, f.broker.dataCalls.Load(), "no third attempt")
	assert.EqualValues(t, 1, f.broker.tokenCalls.Load())
}

func TestGet_OtherStatusIsUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.broker.dataStatuses = []int{http.StatusServiceUnavailable}

	_, err := f.client.Accounts(context.Background())
	var upErr *UpstreamHTTPError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusServiceUnavailable, upErr.Status)
	assert.Equal(t, "accounts", upErr.Path)
	assert.Contains(t, upErr.Body, "1017")
	assert.False(t, IsAuthError(err))
	assert.EqualValues(t, 0, f.broker.tokenCalls.Load())
}

func TestGet_NoCredentials(t *testing.T) {
	fb := newFakeBroker(t)
	store := credentials.New(credentials.NewMemory(nil))
	auth := NewAuthenticator(Config{TokenURL: fb.tokenURL()}, store)

	_, err := NewClient(auth).Accounts(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.True(t, IsAuthError(err))
	assert.EqualValues(t, 0, fb.tokenCalls.Load())
	assert.EqualValues(t, 0, fb.dataCalls.Load())
}

func TestGet_RefreshRejected(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)
	f.broker.tokenStatus = http.StatusBadRequest

	_, err := f.client.Accounts(context.Background())
	var refreshErr *RefreshError
	require.True(t, errors.As(err, &refreshErr))
	assert.Equal(t, http.StatusBadRequest, refreshErr.Status)
	assert.True(t, IsAuthError(err))
	assert.EqualValues(t, 0, f.broker.dataCalls.Load())
	assert.Equal(t, []string{"expired:rejected"}, f.obs.refreshes)
}

func TestSessionExpiryHook(t *testing.T) {
	fb := newFakeBroker(t)
	fb.tokenStatus = http.StatusBadRequest
	store := credentials.New(credentials.NewMemory(nil))
	_, err := store.SetTokens(context.Background(), "acc-0", "ref-0", 1800, fb.apiServer())
	require.NoError(t, err)

	var got []*RefreshError
	auth := NewAuthenticator(Config{TokenURL: fb.tokenURL()}, store,
		WithSessionExpiryHook(func(_ context.Context, err *RefreshError) { got = append(got, err) }))

	_, err = auth.Refresh(context.Background())
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusBadRequest, got[0].Status)

	// the same revoked token keeps failing without alerting again
	for i := 0; i < 3; i++ {
		_, err = auth.Refresh(context.Background())
		require.Error(t, err)
	}
	assert.Len(t, got, 1)

	fb.mu.Lock()
	fb.tokenStatus = http.StatusOK
	fb.mu.Unlock()
	_, err = auth.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1, "a successful refresh does not fire the hook")

	// a newly issued token that is later revoked alerts again
	fb.mu.Lock()
	fb.tokenStatus = http.StatusBadRequest
	fb.mu.Unlock()
	_, err = auth.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, got, 2)
}

func TestGet_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.client.Accounts(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.broker.tokenCalls.Load())
}

func TestRefreshIfStale_SkipsWhenAlreadyRotated(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.auth.RefreshIfStale(context.Background(), "some-older-token"))
	assert.EqualValues(t, 0, f.broker.tokenCalls.Load())

	require.NoError(t, f.auth.RefreshIfStale(context.Background(), "acc-0"))
	assert.EqualValues(t, 1, f.broker.tokenCalls.Load())
}

func TestRefresh_ReplacesRefreshToken(t *testing.T) {
	f := newFixture(t)

	grant, err := f.auth.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref-1", grant.RefreshToken)
	assert.Equal(t, 1800, grant.ExpiresIn)

	_, err = f.auth.Refresh(context.Background())
	require.NoError(t, err)
	ref, _ := f.store.RefreshToken()
	assert.Equal(t, "ref-2", ref)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	store := credentials.New(credentials.NewMemory(nil))
	auth := NewAuthenticator(Config{TokenURL: "http://127.0.0.1:0/oauth2/token"}, store)

	_, err := auth.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestExchangeCode(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotQuery = r.URL.RawQuery
		if r.URL.Query().Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad code"))
			return
		}
		w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","expires_in":1800,"api_server":"https://api01.iq.questrade.com/","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	store := credentials.New(credentials.NewMemory(nil))
	auth := NewAuthenticator(Config{ClientID: "cid", TokenURL: srv.URL}, store)

	grant, err := auth.ExchangeCode(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 1800, grant.ExpiresIn)
	assert.Contains(t, gotQuery, "grant_type=authorization_code")
	assert.Contains(t, gotQuery, "client_id=cid")
	assert.Contains(t, gotQuery, "redirect_uri="+url.QueryEscape(DefaultRedirectURI))
	acc, _ := store.AccessToken()
	assert.Equal(t, "a1", acc)
	assert.False(t, store.IsExpired())

	_, err = auth.ExchangeCode(context.Background(), "bad")
	var exchErr *AuthExchangeError
	require.True(t, errors.As(err, &exchErr))
	assert.Equal(t, http.StatusBadRequest, exchErr.Status)
	assert.Equal(t, "bad code", exchErr.Body)
	acc, _ = store.AccessToken()
	assert.Equal(t, "a1", acc, "failed exchange leaves the stored set alone")
}

func TestAuthorizeURL(t *testing.T) {
	store := credentials.New(credentials.NewMemory(nil))

	_, err := NewAuthenticator(Config{}, store).AuthorizeURL()
	assert.ErrorIs(t, err, ErrClientIDNotConfigured)
	_, err = NewAuthenticator(Config{ClientID: "your_client_id_here"}, store).AuthorizeURL()
	assert.ErrorIs(t, err, ErrClientIDNotConfigured)

	u, err := NewAuthenticator(Config{ClientID: "cid"}, store).AuthorizeURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, DefaultAuthURL+"?"))
	assert.Contains(t, u, "client_id=cid")
	assert.Contains(t, u, "response_type=code")
	assert.Contains(t, u, "scope=read_acc")
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "accounts/{id}/positions", endpointLabel("accounts/26598145/positions"))
	assert.Equal(t, "markets/candles/{id}", endpointLabel("markets/candles/34987"))
	assert.Equal(t, "accounts", endpointLabel("accounts"))
}
