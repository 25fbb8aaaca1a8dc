package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OAuthRefresher performs the refresh-token grant against the upstream
// issuer's token endpoint.
type OAuthRefresher struct {
	tokenURL   string
	clientID   string
	httpClient *http.Client
	now        func() time.Time
}

func NewOAuthRefresher(tokenURL, clientID string, timeout time.Duration) *OAuthRefresher {
	return &OAuthRefresher{
		tokenURL:   tokenURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     r.clientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var tr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	pair := &TokenPair{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    r.now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	// Some issuers rotate the refresh token, some echo it back empty.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}
