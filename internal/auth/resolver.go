// Package auth resolves inbound Authorization values to upstream
// credentials: pool rotation for gateway keys, seed bindings for sticky
// sessions, and refresh-token exchange against the OAuth endpoint.
package auth

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/store"
)

// Credential is a resolved upstream credential. Bearer is empty for
// anonymous sessions, which use the unauthenticated backend.
type Credential struct {
	// Raw is the pool entry the request resolved to, used as the key for
	// fingerprints, limiter state, and quarantine.
	Raw string
	// Bearer is the access token placed in the upstream Authorization
	// header. Empty means anonymous.
	Bearer string
	// AccountID is an optional workspace routing header value.
	AccountID string
}

type Resolver struct {
	cfg      *config.Config
	store    *store.Store
	exchange *Exchanger
	logger   *log.Logger
}

func NewResolver(cfg *config.Config, st *store.Store, ex *Exchanger, logger *log.Logger) *Resolver {
	return &Resolver{cfg: cfg, store: st, exchange: ex, logger: logger}
}

// SelectCredential maps the caller's bearer value (and optional seed) to a
// pool credential. In auto-seed mode gateway keys rotate through the pool
// and unknown bearers pass through as literal credentials; in strict mode
// only known seeds are accepted.
func (r *Resolver) SelectCredential(origin, seed string) (string, error) {
	if !r.cfg.AutoSeed {
		binding, ok := r.store.SeedBinding(origin)
		if !ok {
			return "", apierr.Authentication("Invalid Seed")
		}
		return binding.Token, nil
	}

	if seed != "" && r.store.ActiveCount() > 0 {
		bound, err := r.store.BindSeed(seed, r.randomActive())
		if err != nil {
			return "", err
		}
		return bound, nil
	}

	if r.isGatewayKey(origin) {
		if r.store.ActiveCount() == 0 {
			return "", nil
		}
		if r.cfg.RandomToken {
			return r.randomActive(), nil
		}
		return r.store.NextActive(), nil
	}
	return origin, nil
}

// Materialize turns a pool credential into the upstream bearer. Access
// tokens and fk- keys pass through, 45-character refresh tokens are
// exchanged, and empty credentials fall back to anonymous access when no
// allow-list is configured.
func (r *Resolver) Materialize(ctx context.Context, credential string) (Credential, error) {
	if credential == "" {
		if len(r.cfg.AuthorizationList) > 0 {
			r.logger.Print("auth: rejected empty credential, allow-list configured")
			return Credential{}, apierr.Authentication("Unauthorized")
		}
		return Credential{}, nil
	}

	raw := credential
	accountID := ""
	if idx := strings.IndexByte(credential, ','); idx >= 0 {
		accountID = credential[idx+1:]
		credential = credential[:idx]
	}

	if strings.HasPrefix(credential, "eyJhbGciOi") || strings.HasPrefix(credential, "fk-") {
		return Credential{Raw: raw, Bearer: credential, AccountID: accountID}, nil
	}
	if len(credential) == 45 {
		if r.store.IsQuarantined(credential) {
			return Credential{}, apierr.Authentication("Error RefreshToken")
		}
		access, err := r.exchange.AccessToken(ctx, credential, false)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Raw: raw, Bearer: access, AccountID: accountID}, nil
	}
	return Credential{Raw: raw, Bearer: credential, AccountID: accountID}, nil
}

// RefreshAll walks the pool's refresh tokens, exchanging each one with a
// small delay between calls. Failures are already quarantined by the
// exchanger, so they are logged and skipped.
func (r *Resolver) RefreshAll(ctx context.Context, force bool) {
	for _, credential := range r.store.Active() {
		if len(credential) != 45 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if _, err := r.exchange.AccessToken(ctx, credential, force); err != nil {
			r.logger.Printf("auth: refresh failed for %s...: %v", prefix(credential, 10), err)
		}
	}
	r.logger.Print("auth: all tokens refreshed")
}

func (r *Resolver) isGatewayKey(origin string) bool {
	for _, key := range r.cfg.AuthorizationList {
		if origin == key {
			return true
		}
	}
	return false
}

func (r *Resolver) randomActive() string {
	active := r.store.Active()
	if len(active) == 0 {
		return ""
	}
	return active[rand.Intn(len(active))]
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
