// Package fingerprint assigns each credential a stable synthetic browser
// identity. A fingerprint is generated once, persisted, and reused verbatim
// so the upstream anti-bot layer sees a consistent device.
package fingerprint

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/ojama/chat2api-go/internal/store"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0"

// Provider resolves fingerprints against the credential store cache.
type Provider struct {
	store       *store.Store
	impersonate []string
	proxyURLs   []string
}

// NewProvider creates a Provider drawing impersonation profiles and proxy
// templates from configuration.
func NewProvider(s *store.Store, impersonate, proxyURLs []string) *Provider {
	return &Provider{store: s, impersonate: impersonate, proxyURLs: proxyURLs}
}

// Resolve returns the cached fingerprint for credential, generating and
// persisting a fresh one when none exists or the cached entry is incomplete.
func (p *Provider) Resolve(credential string) store.Fingerprint {
	if fp, ok := p.store.Fingerprint(credential); ok && fp.Complete() {
		return fp
	}

	fp := store.Fingerprint{
		UserAgent:   defaultUserAgent,
		Impersonate: randomChoice(p.impersonate),
		DeviceID:    uuid.NewString(),
	}
	if len(p.proxyURLs) > 0 {
		fp.ProxyURL = randomChoice(p.proxyURLs)
	}

	if credential != "" {
		if err := p.store.SetFingerprint(credential, fp); err != nil {
			// Persist failure leaves an in-memory-only fingerprint; the next
			// request regenerates, which upstream tolerates for anon sessions.
			return fp
		}
	}
	return fp
}

func randomChoice(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[rand.Intn(len(list))]
}
