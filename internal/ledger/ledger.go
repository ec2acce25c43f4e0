// Package ledger records per-credential token usage so operators can see
// which upstream accounts carry the traffic.
package ledger

import (
	"context"
	"time"
)

// Entry is a single completed request written to the usage ledger.
type Entry struct {
	ID               int64     `json:"id"`
	Credential       string    `json:"credential"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage for one credential.
type Summary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, credential string) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
