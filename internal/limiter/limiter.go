// Package limiter tracks per-credential model cooldowns reported by the
// upstream ("clears_in" in moderation/limit payloads) so subsequent requests
// with the same credential fail fast instead of burning an upstream call.
package limiter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ojama/chat2api-go/internal/apierr"
)

type Limiter struct {
	mu     sync.Mutex
	clears map[string]map[string]int64 // credential -> model -> unix clear time
	logger *log.Logger
	now    func() time.Time
}

func New(logger *log.Logger) *Limiter {
	return &Limiter{
		clears: make(map[string]map[string]int64),
		logger: logger,
		now:    time.Now,
	}
}

// Observe records an upstream-reported cooldown of clearsIn seconds for the
// credential/model pair. Empty credentials (anonymous sessions) are ignored.
func (l *Limiter) Observe(credential, model string, clearsIn int64) {
	if credential == "" || clearsIn <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clearAt := l.now().Unix() + clearsIn
	models, ok := l.clears[credential]
	if !ok {
		models = make(map[string]int64)
		l.clears[credential] = models
	}
	models[model] = clearAt
	l.logger.Printf("limiter: %s reached %s limit, clears at %s",
		truncate(credential, 40), model, time.Unix(clearAt, 0).UTC().Format(time.RFC3339))
}

// Check returns a rate-limit error while a recorded cooldown is still in the
// future, and lazily expires entries whose clear time has passed.
func (l *Limiter) Check(credential, model string) error {
	if credential == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	models, ok := l.clears[credential]
	if !ok {
		return nil
	}
	clearAt, ok := models[model]
	if !ok {
		return nil
	}
	if clearAt > l.now().Unix() {
		return apierr.RateLimit(fmt.Sprintf(
			"Request limit exceeded. You can continue with the default model now, or try again after %s",
			time.Unix(clearAt, 0).UTC().Format(time.RFC3339)))
	}
	delete(models, model)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
