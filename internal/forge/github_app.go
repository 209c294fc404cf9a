package forge

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AppAuth mints GitHub App installation tokens for comment posting.
// Installation tokens live about an hour; they are cached and refreshed a
// few minutes before expiry.
type AppAuth struct {
	AppID      int64
	privateKey *rsa.PrivateKey

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string

	mu    sync.RWMutex
	cache map[int64]*cachedToken
}

type cachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// NewAppAuth parses the PEM-encoded RSA key for the given app ID.
func NewAppAuth(appID int64, privateKeyPEM string) (*AppAuth, error) {
	if appID == 0 {
		return nil, fmt.Errorf("app ID is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &AppAuth{
		AppID:      appID,
		privateKey: key,
		cache:      make(map[int64]*cachedToken),
	}, nil
}

// InstallationToken returns a token for the installation, reusing a cached
// one while it has at least five minutes of life left.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.RLock()
	cached, ok := a.cache[installationID]
	a.mu.RUnlock()
	if ok && time.Until(cached.ExpiresAt) > 5*time.Minute {
		return cached.Token, nil
	}

	appJWT, err := a.signJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiBase(), installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("installation token: %s", resp.Status)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	a.mu.Lock()
	a.cache[installationID] = &cachedToken{Token: result.Token, ExpiresAt: result.ExpiresAt}
	a.mu.Unlock()

	return result.Token, nil
}

// signJWT creates the short-lived app JWT GitHub requires for the
// installation-token exchange. Issued-at is backdated a minute to absorb
// clock skew.
func (a *AppAuth) signJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-1 * time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": a.AppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

func (a *AppAuth) apiBase() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.github.com"
}
