package questrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

// Client issues authenticated GETs against the data API.
type Client struct {
	auth  *Authenticator
	store TokenStore
	opts  options
}

// NewClient creates a Client that refreshes credentials through auth.
func NewClient(auth *Authenticator, opts ...Option) *Client {
	o := auth.opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{auth: auth, store: auth.store, opts: o}
}

// Get fetches {apiServer}v1/{path} and decodes the JSON body into out.
//
// An expired token is refreshed before the first attempt. A 401 on the first
// attempt triggers one refresh and one retry; a 401 on the retry is returned
// as an *UpstreamHTTPError.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.auth.EnsureFresh(ctx); err != nil {
		return err
	}

	path = strings.TrimLeft(path, "/")
	for attempt := 1; ; attempt++ {
		token, okToken := c.store.AccessToken()
		server, okServer := c.store.APIServer()
		if !okToken || !okServer {
			return ErrNotAuthenticated
		}

		status, body, err := c.do(ctx, server, path, query, token)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && attempt == 1 {
			c.opts.logger.Info("access token rejected, refreshing", "path", path)
			if err := c.auth.RefreshIfStale(ctx, token); err != nil {
				return err
			}
			continue
		}

		if status < 200 || status > 299 {
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return &UpstreamHTTPError{Status: status, Body: string(body), Path: path}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("questrade: couldn't parse %s response: %w", path, err)
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, server, path string, query url.Values, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.auth.cfg.Timeout)
	defer cancel()

	reqURL := server + "v1/" + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("questrade: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.opts.observer.ObserveUpstream(endpointLabel(path), resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("questrade: read %s response: %w", path, err)
	}
	return resp.StatusCode, raw, nil
}

// endpointLabel collapses numeric path segments so account numbers and
// symbol ids do not become metric label values.
func endpointLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p != "" && strings.Trim(p, "0123456789") == "" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
