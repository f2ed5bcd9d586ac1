// Package token requests relay credentials from the backend.
package token

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

type tokenRequest struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	ServerID  domain.ServerID  `json:"server_id"`
}

type tokenResponse struct {
	ServerURL string    `json:"server_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client fetches relay tokens over plain request/response.
type Client struct {
	URL string
	// Auth is the user's backend credential, sent as a bearer token.
	Auth string
	// TTL bounds grants whose response carries no expiry.
	TTL  time.Duration
	HTTP *http.Client

	now func() time.Time
}

var _ core.TokenSource = (*Client)(nil)

func NewClient(url, auth string, ttl time.Duration) *Client {
	return &Client{URL: url, Auth: auth, TTL: ttl, HTTP: http.DefaultClient, now: time.Now}
}

func (c *Client) Token(ctx context.Context, channel domain.Channel) (core.Grant, error) {
	body, err := json.Marshal(tokenRequest{ChannelID: channel.ID, ServerID: channel.ServerID})
	if err != nil {
		return core.Grant{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return core.Grant{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.Auth)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return core.Grant{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Grant{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.Grant{}, fmt.Errorf("%w: token endpoint http %d", domain.ErrTokenExpired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return core.Grant{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return core.Grant{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if tr.ServerURL == "" || tr.Token == "" {
		return core.Grant{}, fmt.Errorf("token response missing server_url or token")
	}

	g := core.Grant{ServerURL: tr.ServerURL, Token: tr.Token, ExpiresAt: tr.ExpiresAt}
	if g.ExpiresAt.IsZero() && c.TTL > 0 {
		g.ExpiresAt = c.now().Add(c.TTL)
	}
	log.Debug().Str("module", "token").Str("server_url", g.ServerURL).Time("expires_at", g.ExpiresAt).Msg("grant received")
	return g, nil
}
