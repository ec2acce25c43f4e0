// Package store owns the persisted credential state: the rotating pool, the
// quarantine list, and the refresh/seed/fingerprint caches. All state lives in
// plain files under a data directory; every mutation is written through to
// disk before the call returns.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	tokensFile     = "token.txt"
	quarantineFile = "error_token.txt"
	refreshMapFile = "refresh_map.json"
	seedMapFile    = "seed_map.json"
	fpMapFile      = "fp_map.json"
)

// Fingerprint is the synthetic browser identity pinned to a credential.
type Fingerprint struct {
	UserAgent   string `json:"user-agent"`
	Impersonate string `json:"impersonate"`
	ProxyURL    string `json:"proxy_url,omitempty"`
	DeviceID    string `json:"oai-device-id"`
}

// Complete reports whether the fingerprint carries the fields a session needs.
func (f Fingerprint) Complete() bool {
	return f.UserAgent != "" && f.Impersonate != ""
}

// SeedBinding pins a caller-chosen seed to one pool credential.
type SeedBinding struct {
	Token         string   `json:"token"`
	Conversations []string `json:"conversations"`
}

// AccessEntry caches the bearer token derived from a refresh credential.
type AccessEntry struct {
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the owned, mutex-guarded home of all shared credential state.
type Store struct {
	mu          sync.Mutex
	dir         string
	tokens      []string
	quarantined map[string]bool
	refresh     map[string]AccessEntry
	seeds       map[string]SeedBinding
	fps         map[string]Fingerprint
	cursor      int
}

// Open loads persisted state from dir, creating the directory and empty
// backing files on first run.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: data directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		quarantined: make(map[string]bool),
		refresh:     make(map[string]AccessEntry),
		seeds:       make(map[string]SeedBinding),
		fps:         make(map[string]Fingerprint),
	}
	var err error
	if s.tokens, err = loadLines(filepath.Join(dir, tokensFile)); err != nil {
		return nil, err
	}
	quarantine, err := loadLines(filepath.Join(dir, quarantineFile))
	if err != nil {
		return nil, err
	}
	for _, t := range quarantine {
		s.quarantined[t] = true
	}
	if err := loadJSON(filepath.Join(dir, refreshMapFile), &s.refresh); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, seedMapFile), &s.seeds); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, fpMapFile), &s.fps); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the store. State is flushed on every mutation, so there is
// nothing pending to write.
func (s *Store) Close() error { return nil }

// Active returns the pool minus quarantined credentials, order preserved.
func (s *Store) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Store) activeLocked() []string {
	out := make([]string, 0, len(s.tokens))
	for _, t := range s.tokens {
		if !s.quarantined[t] {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount returns the number of distinct active credentials.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, t := range s.activeLocked() {
		seen[t] = true
	}
	return len(seen)
}

// NextActive advances the rotation cursor and returns the credential it lands
// on. The cursor increments before indexing, modulo the active pool size.
// Returns "" when the active pool is empty.
func (s *Store) NextActive() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.activeLocked()
	if len(active) == 0 {
		return ""
	}
	s.cursor = (s.cursor + 1) % len(active)
	return active[s.cursor]
}

// AppendCredential validates and appends one credential to the pool,
// persisting it immediately. Empty lines and comments are rejected.
func (s *Store) AppendCredential(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return errors.New("store: empty or comment credential rejected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(filepath.Join(s.dir, tokensFile), raw); err != nil {
		return err
	}
	s.tokens = append(s.tokens, raw)
	return nil
}

// Quarantine permanently excludes a credential from rotation. Idempotent.
func (s *Store) Quarantine(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantined[raw] {
		return nil
	}
	if err := appendLine(filepath.Join(s.dir, quarantineFile), raw); err != nil {
		return err
	}
	s.quarantined[raw] = true
	return nil
}

// IsQuarantined reports whether the credential has been excluded.
func (s *Store) IsQuarantined(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined[raw]
}

// Quarantined returns the distinct quarantined credentials.
func (s *Store) Quarantined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quarantined))
	for t := range s.quarantined {
		out = append(out, t)
	}
	return out
}

// ClearAll wipes the pool, the quarantine set, and their backing files.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dir, tokensFile), nil, 0o644); err != nil {
		return fmt.Errorf("store: clear tokens: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, quarantineFile), nil, 0o644); err != nil {
		return fmt.Errorf("store: clear quarantine: %w", err)
	}
	s.tokens = nil
	s.quarantined = make(map[string]bool)
	s.cursor = 0
	return nil
}

// AccessToken returns the cached bearer for a refresh credential.
func (s *Store) AccessToken(refresh string) (AccessEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[refresh]
	return entry, ok
}

// SetAccessToken caches and persists the bearer derived from refresh.
func (s *Store) SetAccessToken(refresh string, entry AccessEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[refresh] = entry
	return writeJSON(filepath.Join(s.dir, refreshMapFile), s.refresh)
}

// SeedBinding returns the binding for seed, if any.
func (s *Store) SeedBinding(seed string) (SeedBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.seeds[seed]
	return binding, ok
}

// BindSeed records seed → credential and persists the binding. An existing
// binding is left untouched; the stored credential is returned either way.
func (s *Store) BindSeed(seed, credential string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.seeds[seed]; ok {
		return existing.Token, nil
	}
	s.seeds[seed] = SeedBinding{Token: credential, Conversations: []string{}}
	if err := writeJSON(filepath.Join(s.dir, seedMapFile), s.seeds); err != nil {
		return "", err
	}
	return credential, nil
}

// AppendSeedConversation attaches a conversation id to an existing binding.
func (s *Store) AppendSeedConversation(seed, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.seeds[seed]
	if !ok {
		return nil
	}
	binding.Conversations = append(binding.Conversations, conversationID)
	s.seeds[seed] = binding
	return writeJSON(filepath.Join(s.dir, seedMapFile), s.seeds)
}

// Fingerprint returns the cached fingerprint for a credential.
func (s *Store) Fingerprint(credential string) (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fps[credential]
	return fp, ok
}

// SetFingerprint pins and persists a fingerprint for a credential.
func (s *Store) SetFingerprint(credential string, fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps[credential] = fp
	return writeJSON(filepath.Join(s.dir, fpMapFile), s.fps)
}

func loadLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", filepath.Base(path), err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		t := strings.TrimSpace(line)
		if t != "" && !strings.HasPrefix(t, "#") {
			out = append(out, t)
		}
	}
	return out, nil
}

func loadJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	if len(raw) == 0 {
		return nil
	}
	// A corrupt map is dropped rather than blocking startup.
	_ = json.Unmarshal(raw, dst)
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("store: append %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}
