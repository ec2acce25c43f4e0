package tokenizer

import (
	"strings"
	"testing"

	"github.com/ojama/chat2api-go/internal/openai"
)

func TestCountMessagesOverhead(t *testing.T) {
	messages := []openai.ChatMessage{
		{Role: "user", Content: openai.TextContent("Hello")},
	}
	// 3 per message + role + content + 3 reply primer.
	got := CountMessages(messages, "gpt-4o")
	if got < 7 {
		t.Fatalf("token count %d implausibly low", got)
	}

	two := append(messages, openai.ChatMessage{Role: "assistant", Content: openai.TextContent("Hi")})
	if CountMessages(two, "gpt-4o") <= got {
		t.Fatal("adding a message did not increase the count")
	}
}

func TestCountMessagesLegacyOverhead(t *testing.T) {
	messages := []openai.ChatMessage{{Role: "user", Content: openai.TextContent("Hello")}}
	legacy := CountMessages(messages, "gpt-3.5-turbo-0301")
	current := CountMessages(messages, "gpt-3.5-turbo")
	if legacy != current+1 {
		t.Fatalf("legacy overhead: got %d vs %d, want +1 per message", legacy, current)
	}
}

func TestCountMessagesMultimodalCountsTextPartsOnly(t *testing.T) {
	messages := []openai.ChatMessage{{
		Role: "user",
		Content: openai.MessageContent{Parts: []openai.ContentPart{
			{Type: "text", Text: "what is this"},
			{Type: "image_url", ImageURL: &openai.ImageURL{URL: "https://x/a.png"}},
		}},
	}}
	plain := []openai.ChatMessage{{Role: "user", Content: openai.TextContent("what is this")}}
	if CountMessages(messages, "gpt-4o") != CountMessages(plain, "gpt-4o") {
		t.Fatal("image parts must not contribute text tokens")
	}
}

func TestCountTextWithoutEncoding(t *testing.T) {
	// A nil encoding means the BPE ranks could not be loaded. Counting
	// must degrade to an estimate, never fail.
	if got := countText(nil, ""); got != 0 {
		t.Fatalf("empty text = %d", got)
	}
	text := strings.Repeat("alpha beta ", 30)
	got := countText(nil, text)
	if got != len(text)/4+1 {
		t.Fatalf("estimate = %d, want %d", got, len(text)/4+1)
	}
}

func TestSplitContentTruncates(t *testing.T) {
	content := strings.Repeat("alpha beta gamma ", 50)
	text, count, reason := SplitContent(content, 10, "gpt-4o")
	if reason != "length" || count != 10 {
		t.Fatalf("reason = %q, count = %d", reason, count)
	}
	if len(text) >= len(content) {
		t.Fatal("content was not truncated")
	}

	text, count, reason = SplitContent("short", 100, "gpt-4o")
	if reason != "stop" || text != "short" || count <= 0 {
		t.Fatalf("passthrough: text=%q count=%d reason=%q", text, count, reason)
	}
}

func TestImageTokens(t *testing.T) {
	cases := []struct {
		w, h   int
		detail string
		want   int
	}{
		{4096, 4096, "low", 85},
		{512, 512, "high", 170 + 85},
		{1024, 1024, "high", 4*170 + 85},
		// 4096x2048 scales to 2048x1024, then to 1536x768: 3x2 tiles.
		{4096, 2048, "high", 6*170 + 85},
	}
	for _, tc := range cases {
		if got := ImageTokens(tc.w, tc.h, tc.detail); got != tc.want {
			t.Errorf("ImageTokens(%d, %d, %q) = %d, want %d", tc.w, tc.h, tc.detail, got, tc.want)
		}
	}
}
