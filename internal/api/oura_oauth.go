package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onllm-dev/onpulse/internal/metrics"
)

// OAuthExchangeError is returned when the token endpoint rejects an
// authorization code. It never carries token material.
type OAuthExchangeError struct {
	Status int
	Code   string // upstream "error" field, if any
}

func (e *OAuthExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("oura: code exchange failed: HTTP %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("oura: code exchange failed: HTTP %d", e.Status)
}

// Kind classifies the failure for the frontend redirect.
func (e *OAuthExchangeError) Kind() string {
	switch e.Status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// oauthErrorResponse represents an error response from the token endpoint.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// AuthorizeURL builds the provider authorization URL carrying state.
func (c *OuraClient) AuthorizeURL(state string) (string, error) {
	if c.creds.ClientID == "" {
		return "", ErrConfigMissing
	}

	u, err := url.Parse(c.authorizeURL)
	if err != nil {
		return "", fmt.Errorf("oura: parsing authorize url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.creds.ClientID)
	if c.creds.RedirectURI != "" {
		q.Set("redirect_uri", c.creds.RedirectURI)
	}
	q.Set("scope", strings.Join(OuraScopes, " "))
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for a token pair and stores it.
func (c *OuraClient) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	if c.creds.ClientID == "" || c.creds.ClientSecret == "" {
		return TokenPair{}, ErrConfigMissing
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.creds.ClientID)
	form.Set("client_secret", c.creds.ClientSecret)
	if c.creds.RedirectURI != "" {
		form.Set("redirect_uri", c.creds.RedirectURI)
	}

	status, body, err := c.postToken(ctx, form)
	if err != nil {
		return TokenPair{}, err
	}
	if status < 200 || status > 299 {
		exErr := &OAuthExchangeError{Status: status}
		var errResp oauthErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			exErr.Code = errResp.Error
		}
		c.logger.Warn("oura code exchange rejected", "status", status, "error_code", exErr.Code)
		return TokenPair{}, exErr
	}

	tokenResp, err := parseTokenResponse(body)
	if err != nil {
		return TokenPair{}, err
	}

	pair := c.pairFromResponse(tokenResp, "")

	c.refreshMu.Lock()
	c.tokens.Set(pair)
	c.refreshMu.Unlock()

	c.logger.Info("oura account connected",
		"expires_at", time.UnixMilli(pair.ExpiresAt).UTC().Format(time.RFC3339),
		"scope", tokenResp.Scope,
	)
	c.notifyTokenChange(true)
	return pair, nil
}

// Refresh exchanges the held refresh token for a new pair and returns the
// new access token. Concurrent refreshes are serialized.
func (c *OuraClient) Refresh(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur, ok := c.tokens.Get()
	if !ok {
		return "", ErrNoRefreshToken
	}
	next, err := c.refreshLocked(ctx, cur)
	if err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// RefreshIfExpiring refreshes when the held access token expires within
// the given window. It reports whether a refresh happened.
func (c *OuraClient) RefreshIfExpiring(ctx context.Context, within time.Duration) (bool, error) {
	pair, ok := c.tokens.Get()
	if !ok || pair.RefreshToken == "" || pair.ExpiresAt == 0 {
		return false, nil
	}
	if pair.ExpiresAt-c.nowMs() > within.Milliseconds() {
		return false, nil
	}
	if _, err := c.refreshStale(ctx, pair); err != nil {
		return false, err
	}
	return true, nil
}

// refreshStale refreshes unless another caller already replaced stale while
// this one waited for the lock, in which case the newer pair is returned.
func (c *OuraClient) refreshStale(ctx context.Context, stale TokenPair) (TokenPair, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur, ok := c.tokens.Get()
	if !ok {
		return TokenPair{}, ErrNoRefreshToken
	}
	if cur != stale && cur.AccessToken != "" && !cur.Expired(c.nowMs()) {
		metrics.TokenRefreshesTotal.WithLabelValues("skipped").Inc()
		return cur, nil
	}
	return c.refreshLocked(ctx, cur)
}

// refreshLocked must be called with refreshMu held.
func (c *OuraClient) refreshLocked(ctx context.Context, cur TokenPair) (TokenPair, error) {
	if cur.RefreshToken == "" {
		return TokenPair{}, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cur.RefreshToken)
	form.Set("client_id", c.creds.ClientID)
	form.Set("client_secret", c.creds.ClientSecret)

	status, body, err := c.postToken(ctx, form)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return TokenPair{}, err
	}
	if status != http.StatusOK {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		var errResp oauthErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return TokenPair{}, fmt.Errorf("%w: %s", ErrRefreshFailed, errResp.Error)
		}
		return TokenPair{}, fmt.Errorf("%w: HTTP %d", ErrRefreshFailed, status)
	}

	tokenResp, err := parseTokenResponse(body)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return TokenPair{}, err
	}

	next := c.pairFromResponse(tokenResp, cur.RefreshToken)
	if !c.tokens.CompareAndSwap(cur, next) {
		// Only a disconnect or a new connection can land here, and both win.
		c.logger.Warn("oura token pair changed during refresh, discarding refreshed pair")
		metrics.TokenRefreshesTotal.WithLabelValues("discarded").Inc()
		if held, ok := c.tokens.Get(); ok && held.AccessToken != "" {
			return held, nil
		}
		return TokenPair{}, ErrNoSession
	}

	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	c.logger.Info("oura access token refreshed",
		"expires_at", time.UnixMilli(next.ExpiresAt).UTC().Format(time.RFC3339),
	)
	return next, nil
}

// pairFromResponse builds a TokenPair, keeping fallbackRefresh when the
// provider did not rotate the refresh token.
func (c *OuraClient) pairFromResponse(resp *OuraTokenResponse, fallbackRefresh string) TokenPair {
	lifetime := defaultTokenLifetime
	if resp.ExpiresIn > 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	}
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	return TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    c.now().Add(lifetime).UnixMilli(),
	}
}

func (c *OuraClient) postToken(ctx context.Context, form url.Values) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("oura: creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "onpulse/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading token response: %v", ErrInvalidResponse, err)
	}
	return resp.StatusCode, body, nil
}

func parseTokenResponse(body []byte) (*OuraTokenResponse, error) {
	var tokenResp OuraTokenResponse
	if err := decodeJSON(body, &tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrInvalidResponse)
	}
	return &tokenResp, nil
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
