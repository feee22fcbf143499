package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const refreshKey = "refresh"

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// renewAccess swaps the stored refresh token for a new access token.
// Concurrent callers share one backend call. On failure the stored tokens
// are purged and the expiry hooks run.
func (c *Client) renewAccess(ctx context.Context) (string, error) {
	refresh := c.store.RefreshToken(ctx)
	if refresh == "" {
		c.metrics.observeRefresh("missing")
		c.logger.Info("no refresh token, ending session")
		c.EndSession(ctx)
		c.fireExpired(errNoRefreshToken)
		return "", errNoRefreshToken
	}
	return c.renewWith(ctx, refresh)
}

// renewWith refreshes using the refresh token the caller read from the
// store.
func (c *Client) renewWith(ctx context.Context, refresh string) (string, error) {
	// The shared call must finish even if the caller that started it goes away.
	sharedCtx := context.WithoutCancel(ctx)
	value, err, shared := c.refreshGroup.Do(refreshKey, func() (interface{}, error) {
		// A refresh that finished after this caller read the store has
		// already rotated the pair. Replaying the old refresh token would
		// be rejected by a rotating backend.
		if current := c.store.RefreshToken(sharedCtx); current != "" && current != refresh {
			if access := c.store.AccessToken(sharedCtx); access != "" {
				c.metrics.observeRefresh("reused")
				return access, nil
			}
		}

		access, err := c.refreshAccess(sharedCtx, refresh)
		if errors.Is(err, errSessionEnded) {
			c.metrics.observeRefresh("discarded")
			c.logger.Info("session ended during token refresh, discarding new tokens")
			return "", err
		}
		if err != nil {
			c.metrics.observeRefresh("failure")
			c.logger.Warn("token refresh failed, ending session", "error", err)
			c.EndSession(sharedCtx)
			c.fireExpired(err)
			return "", err
		}
		c.metrics.observeRefresh("success")
		return access, nil
	})
	if shared {
		c.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// EndSession purges the stored tokens and the default Authorization
// header. A refresh in flight at that moment will not write its tokens
// back.
func (c *Client) EndSession(ctx context.Context) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.store.Clear(ctx)
	c.ClearDefaultAuthorization()
}

// adopt stores a refreshed pair only while used is still the stored
// refresh token.
func (c *Client) adopt(ctx context.Context, used string, parsed refreshResponse) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.store.RefreshToken(ctx) != used {
		return errSessionEnded
	}
	c.store.SetTokens(ctx, parsed.Access, parsed.Refresh)
	c.SetDefaultAuthorization(parsed.Access)
	return nil
}

// refreshAccess posts to the refresh endpoint on the bare transport so the
// call never re-enters the 401 handling in Do.
func (c *Client) refreshAccess(ctx context.Context, refresh string) (string, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refresh})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(TokenRefreshPath, nil), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.observeRequest(http.MethodPost, 0)
		return "", &NetworkError{Method: http.MethodPost, Path: TokenRefreshPath, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.observeRequest(http.MethodPost, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Method: http.MethodPost, Path: TokenRefreshPath, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newStatusError(http.MethodPost, TokenRefreshPath, resp.StatusCode, data)
	}

	var parsed refreshResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("api: decode refresh response: %w", err)
	}
	if parsed.Access == "" {
		return "", errors.New("api: refresh response has no access token")
	}

	if err := c.adopt(ctx, refresh, parsed); err != nil {
		return "", err
	}
	return parsed.Access, nil
}
