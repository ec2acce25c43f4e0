package chatgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/auth"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/fingerprint"
	"github.com/ojama/chat2api-go/internal/limiter"
	"github.com/ojama/chat2api-go/internal/openai"
	"github.com/ojama/chat2api-go/internal/store"
)

func testOrchestrator(t *testing.T, host string) *Orchestrator {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		AutoSeed:            true,
		EnableLimit:         true,
		HistoryDisabled:     true,
		OAILanguage:         "en-US",
		UpstreamHosts:       []string{host},
		ImpersonateProfiles: []string{"chrome120"},
	}
	logger := quiet()
	resolver := auth.NewResolver(cfg, st, auth.NewExchanger(st, nil, logger), logger)
	fps := fingerprint.NewProvider(st, cfg.ImpersonateProfiles, nil)
	return NewOrchestrator(cfg, resolver, fps, limiter.New(logger), NewCatalog(nil), logger)
}

// fakeBackend mimics the minimal upstream surface a conversation touches.
type fakeBackend struct {
	t              *testing.T
	requirements   int
	conversations  int
	sawProofToken  bool
	sawReqsToken   bool
	conversationFn func(w http.ResponseWriter, r *http.Request)
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html data-build="prod-test"><script src="/_next/static/c/feed00/_ssg.js"></script></html>`)
	})
	mux.HandleFunc("/backend-api/sentinel/chat-requirements", func(w http.ResponseWriter, r *http.Request) {
		b.requirements++
		var probe struct {
			P string `json:"p"`
		}
		json.NewDecoder(r.Body).Decode(&probe)
		if !strings.HasPrefix(probe.P, "gAAAAAC") {
			b.t.Errorf("requirements probe token = %q", probe.P)
		}
		io.WriteString(w, `{"proofofwork":{"required":true,"seed":"test-seed","difficulty":"ffffff"},"turnstile":{"required":false},"chat-requirements-token":"req-token-1"}`)
	})
	mux.HandleFunc("/backend-api/conversation", func(w http.ResponseWriter, r *http.Request) {
		b.conversations++
		b.sawProofToken = strings.HasPrefix(r.Header.Get("Openai-Sentinel-Proof-Token"), "gAAAAAB")
		b.sawReqsToken = r.Header.Get("Openai-Sentinel-Chat-Requirements-Token") == "req-token-1"
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer eyJhbGciOi") {
			b.t.Errorf("authorization = %q", auth)
		}
		if r.Header.Get("Oai-Device-Id") == "" {
			b.t.Error("missing device id header")
		}
		if b.conversationFn != nil {
			b.conversationFn(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"message":{"author":{"role":"assistant"},"status":"finished_successfully","metadata":{"model_slug":"gpt-4o"},"content":{"content_type":"text","parts":["backend says hi"]}}}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})
	return mux
}

func TestProcessEndToEnd(t *testing.T) {
	backend := &fakeBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	orch := testOrchestrator(t, srv.URL)
	req := &openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: openai.TextContent("hi")}},
	}

	session, events, err := orch.Process(context.Background(), "eyJhbGciOi.access", "", req)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := FoldStream(events, session.PromptTokens(), session.MaxTokens(), session.ResponseModel(), session.Catalog())
	if err != nil {
		t.Fatal(err)
	}

	if got := resp.Choices[0].Message.Content.Text; got != "backend says hi" {
		t.Fatalf("content = %q", got)
	}
	if resp.Model != "gpt-4o" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.Usage.PromptTokens != session.PromptTokens() || resp.Usage.PromptTokens == 0 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if backend.requirements != 1 || backend.conversations != 1 {
		t.Fatalf("requirements=%d conversations=%d", backend.requirements, backend.conversations)
	}
	if !backend.sawProofToken || !backend.sawReqsToken {
		t.Fatal("sentinel headers not forwarded to the conversation call")
	}
}

func TestProcessRecordsUpstreamCooldown(t *testing.T) {
	backend := &fakeBackend{t: t}
	backend.conversationFn = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"detail":{"clears_in":120}}`)
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	orch := testOrchestrator(t, srv.URL)
	req := &openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: openai.TextContent("hi")}},
	}

	_, _, err := orch.Process(context.Background(), "eyJhbGciOi.access", "", req)
	if apierr.StatusOf(err) != http.StatusTooManyRequests {
		t.Fatalf("first attempt: %v", err)
	}

	// The cooldown is now local state: the next attempt fails before any
	// upstream call.
	before := backend.conversations
	_, _, err = orch.Process(context.Background(), "eyJhbGciOi.access", "", req)
	if apierr.StatusOf(err) != http.StatusTooManyRequests {
		t.Fatalf("second attempt: %v", err)
	}
	if backend.conversations != before {
		t.Fatal("limited credential still reached the upstream")
	}
}

func TestSessionPayloadShape(t *testing.T) {
	backend := &fakeBackend{t: t}
	var captured map[string]any
	backend.conversationFn = func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		io.WriteString(w, "data: [DONE]\n\n")
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	orch := testOrchestrator(t, srv.URL)
	history := false
	req := &openai.ChatCompletionRequest{
		Model:           "gpt-4o-mini-2024-07-18",
		ConversationID:  "conv-77",
		ParentMessageID: "parent-12",
		HistoryDisabled: &history,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: openai.TextContent("be brief")},
			{Role: "user", Content: openai.TextContent("hi")},
		},
	}
	if _, _, err := orch.Process(context.Background(), "eyJhbGciOi.access", "", req); err != nil {
		t.Fatal(err)
	}

	if captured["action"] != "next" || captured["model"] != "gpt-4o-mini" {
		t.Fatalf("payload = %v", captured)
	}
	if captured["conversation_id"] != "conv-77" || captured["parent_message_id"] != "parent-12" {
		t.Fatalf("continuation fields = %v", captured)
	}
	if captured["history_and_training_disabled"] != false {
		t.Fatal("history override not honored")
	}
	if _, present := captured["timezone_offset_min"]; present {
		t.Fatal("timezone offset must only accompany disabled history")
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", messages)
	}
	first, _ := messages[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	if content["content_type"] != "text" {
		t.Fatalf("content = %v", content)
	}
}

func TestUpstreamSlug(t *testing.T) {
	cases := map[string]string{
		"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
		"gpt-4o":                 "gpt-4o",
		"gpt-4-turbo":            "gpt-4",
		"o3-mini-high":           "o3-mini-high",
		"o3-mini":                "o3-mini",
		"o1-mini":                "o1-mini",
		"o1-pro":                 "o1-pro",
		"o1":                     "o1",
		"gpt-3.5-turbo":          "text-davinci-002-render-sha",
		"":                       "text-davinci-002-render-sha",
	}
	for requested, want := range cases {
		if got := UpstreamSlug(requested); got != want {
			t.Errorf("UpstreamSlug(%q) = %q, want %q", requested, got, want)
		}
	}
}

func TestCatalogOverrides(t *testing.T) {
	catalog := NewCatalog(&config.ModelCatalog{
		Aliases:      map[string]string{"gpt-4o": "gpt-4o-2025-01-01"},
		Fingerprints: map[string][]string{"gpt-4o-2025-01-01": {"fp_override"}},
	})
	if got := catalog.Alias("gpt-4o"); got != "gpt-4o-2025-01-01" {
		t.Fatalf("alias = %q", got)
	}
	if got := catalog.Alias("gpt-4"); got != "gpt-4-0613" {
		t.Fatalf("default alias lost: %q", got)
	}
	if got := catalog.Fingerprint("gpt-4o"); got != "fp_override" {
		t.Fatalf("fingerprint via alias = %q", got)
	}
	if got := catalog.Fingerprint("unknown-model"); got != "" {
		t.Fatalf("unknown model fingerprint = %q", got)
	}
}

func TestFileClassification(t *testing.T) {
	cases := []struct {
		mime, useCase, ext string
	}{
		{"image/png", "multimodal", ".png"},
		{"application/pdf", "my_files", ".pdf"},
		{"application/zip", "ace_upload", ""},
	}
	for _, tc := range cases {
		if got := FileUseCase(tc.mime); got != tc.useCase {
			t.Errorf("FileUseCase(%q) = %q", tc.mime, got)
		}
		if got := FileExtension(tc.mime); got != tc.ext {
			t.Errorf("FileExtension(%q) = %q", tc.mime, got)
		}
	}
}

func TestFetchFileContentDataURI(t *testing.T) {
	content, mimeType, err := FetchFileContent(context.Background(),
		fmt.Sprintf("data:image/png;base64,%s", "iVBORw0KGgo="))
	if err != nil {
		t.Fatal(err)
	}
	if mimeType != "image/png" || len(content) == 0 {
		t.Fatalf("mime=%q len=%d", mimeType, len(content))
	}
}
