// Package tokenizer estimates prompt/completion token usage with tiktoken.
// The upstream browser backend never reports usage, so the gateway computes
// it locally for the usage block and for max_tokens truncation.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/ojama/chat2api-go/internal/openai"
)

const fallbackEncoding = "cl100k_base"

// Preload fetches the fallback encoding eagerly. tiktoken downloads its
// BPE ranks over the network on first use, so loading at startup surfaces
// that failure once instead of in the middle of a request.
func Preload() error {
	_, err := tiktoken.GetEncoding(fallbackEncoding)
	return err
}

// encodingFor returns nil when no encoding can be loaded. Callers fall
// back to a byte-length estimate rather than failing the request.
func encodingFor(model string) *tiktoken.Tiktoken {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	enc, err := tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil
	}
	return enc
}

func countText(enc *tiktoken.Tiktoken, text string) int {
	if enc == nil {
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// approxTokens is the estimate used when no encoding is available,
// roughly four bytes of text per token.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// CountText returns the token count of a bare string under the model's
// encoding, with no message framing overhead.
func CountText(text, model string) int {
	return countText(encodingFor(model), text)
}

// CountMessages computes the prompt token total the way the OpenAI chat
// format is billed: a fixed per-message overhead plus every string field,
// plus a 3-token reply primer.
func CountMessages(messages []openai.ChatMessage, model string) int {
	enc := encodingFor(model)

	perMessage := 3
	if model == "gpt-3.5-turbo-0301" {
		perMessage = 4
	}

	total := 0
	for _, msg := range messages {
		total += perMessage
		total += countText(enc, msg.Role)
		if msg.Name != "" {
			total += countText(enc, msg.Name)
		}
		if msg.Content.IsParts() {
			for _, part := range msg.Content.Parts {
				if part.Type == "text" {
					total += countText(enc, part.Text)
				}
			}
		} else {
			total += countText(enc, msg.Content.Text)
		}
	}
	return total + 3
}

// SplitContent truncates content to at most maxTokens tokens, returning the
// kept text, its token count, and the matching finish reason ("length" when
// truncated, "stop" otherwise). Truncation is proportional on the rune count
// rather than an exact token boundary.
func SplitContent(content string, maxTokens int, model string) (string, int, string) {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	enc := encodingFor(model)
	count := countText(enc, content)
	if count >= maxTokens {
		runes := []rune(content)
		keep := len(runes) * maxTokens / count
		return string(runes[:keep]), maxTokens, "length"
	}
	return content, count, "stop"
}

// ImageTokens prices a vision attachment: low detail is a flat 85, otherwise
// the image is rescaled into 512px tiles at 170 tokens each plus the base 85.
func ImageTokens(width, height int, detail string) int {
	if detail == "low" {
		return 85
	}
	w, h := width, height
	if max(w, h) > 2048 {
		scale := 2048.0 / float64(max(w, h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}
	if min(w, h) > 768 {
		scale := 768.0 / float64(min(w, h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}
	tilesW := (w + 511) / 512
	tilesH := (h + 511) / 512
	return tilesW*tilesH*170 + 85
}
