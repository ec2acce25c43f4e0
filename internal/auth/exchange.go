package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/store"
	"github.com/ojama/chat2api-go/internal/upstream"
)

const (
	defaultTokenEndpoint = "https://auth0.openai.com/oauth/token"
	oauthClientID        = "pdlLIX2Y72MIl2rhLhTE9VV9bN905kBh"
	oauthRedirectURI     = "com.openai.chat://auth0.openai.com/ios/com.openai.chat/callback"
	accessTokenTTL       = 5 * 24 * time.Hour
	exchangeTimeout      = 15 * time.Second
)

// Exchanger swaps refresh tokens for access tokens, caching results in the
// store for the access-token lifetime and quarantining tokens the identity
// provider permanently rejects.
type Exchanger struct {
	store     *store.Store
	proxyURLs []string
	logger    *log.Logger

	// Endpoint may be overridden in tests; defaults to the auth0 token URL.
	Endpoint string
	now      func() time.Time
}

func NewExchanger(st *store.Store, proxyURLs []string, logger *log.Logger) *Exchanger {
	return &Exchanger{
		store:     st,
		proxyURLs: proxyURLs,
		logger:    logger,
		Endpoint:  defaultTokenEndpoint,
		now:       time.Now,
	}
}

// AccessToken returns a cached access token when one is fresh, otherwise
// performs the OAuth refresh grant.
func (e *Exchanger) AccessToken(ctx context.Context, refreshToken string, force bool) (string, error) {
	if !force {
		if entry, ok := e.store.AccessToken(refreshToken); ok {
			if e.now().Unix()-entry.Timestamp < int64(accessTokenTTL.Seconds()) {
				return entry.Token, nil
			}
		}
	}

	access, err := e.refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if err := e.store.SetAccessToken(refreshToken, store.AccessEntry{
		Token:     access,
		Timestamp: e.now().Unix(),
	}); err != nil {
		e.logger.Printf("auth: persist access token: %v", err)
	}
	e.logger.Printf("auth: refresh_token -> access_token: %s...", prefix(access, 20))
	return access, nil
}

func (e *Exchanger) refresh(ctx context.Context, refreshToken string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"client_id":     oauthClientID,
		"grant_type":    "refresh_token",
		"redirect_uri":  oauthRedirectURI,
		"refresh_token": refreshToken,
	})

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient(refreshToken).Do(req)
	if err != nil {
		e.logger.Printf("auth: failed to refresh access_token: %v", err)
		return "", apierr.Internal("Failed to refresh access_token")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		text := string(body)
		e.logger.Printf("auth: failed to refresh access_token: %s", prefix(text, 300))
		if strings.Contains(text, "invalid_grant") || strings.Contains(text, "access_denied") {
			if err := e.store.Quarantine(refreshToken); err != nil {
				e.logger.Printf("auth: quarantine failed: %v", err)
			}
			// A rejected grant is permanent: the caller's credential is
			// bad, not the exchange.
			return "", apierr.Authentication("Refresh token is invalid or revoked.")
		}
		return "", apierr.Internal("Failed to refresh access_token")
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.AccessToken == "" {
		return "", apierr.Internal("Failed to refresh access_token")
	}
	return result.AccessToken, nil
}

// httpClient routes the exchange through a randomly chosen proxy template,
// bound to a per-token session so the IdP sees a stable egress address.
func (e *Exchanger) httpClient(refreshToken string) *http.Client {
	client := &http.Client{Timeout: exchangeTimeout}
	if len(e.proxyURLs) == 0 {
		return client
	}
	raw := upstream.SessionProxy(e.proxyURLs[rand.Intn(len(e.proxyURLs))], refreshToken)
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client.Transport = transport
	return client
}
