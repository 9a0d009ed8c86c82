package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTokenRejected wraps 4xx answers from the auth endpoint; retrying will not help.
var ErrTokenRejected = errors.New("wsclient: token request rejected")

// TokenDetails is the auth endpoint response.
type TokenDetails struct {
	Token    string `json:"token"`
	Expires  int64  `json:"expires"`
	ClientID string `json:"client_id"`
}

// ExpiresAt converts Expires (unix milliseconds) to a time; zero when unset.
func (t TokenDetails) ExpiresAt() time.Time {
	if t.Expires <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.Expires).UTC()
}

// TokenSource fetches tokens from an auth URL for a client id.
type TokenSource struct {
	client  *http.Client
	authURL string
}

// NewTokenSource returns a TokenSource for authURL. A nil client uses http.DefaultClient.
func NewTokenSource(client *http.Client, authURL string) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{client: client, authURL: strings.TrimSpace(authURL)}
}

// Token requests a token for clientID with GET <authURL>?clientId=<clientID>.
func (s *TokenSource) Token(ctx context.Context, clientID string) (TokenDetails, error) {
	u, err := url.Parse(s.authURL)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("wsclient: auth url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return TokenDetails{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("wsclient: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return TokenDetails{}, fmt.Errorf("wsclient: token response: %w", err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return TokenDetails{}, fmt.Errorf("%w: status %d", ErrTokenRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return TokenDetails{}, fmt.Errorf("wsclient: token request: status %d", resp.StatusCode)
	}

	var td TokenDetails
	if err := json.Unmarshal(body, &td); err != nil {
		return TokenDetails{}, fmt.Errorf("wsclient: token response: %w", err)
	}
	if strings.TrimSpace(td.Token) == "" {
		return TokenDetails{}, errors.New("wsclient: token response: empty token")
	}
	if td.ClientID != "" && td.ClientID != clientID {
		return TokenDetails{}, fmt.Errorf("%w: issued for client %q", ErrTokenRejected, td.ClientID)
	}
	return td, nil
}
