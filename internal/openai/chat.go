// Package openai holds the OpenAI-compatible wire types exposed by the
// gateway, plus the upstream continuation fields callers may thread through
// (parent_message_id, conversation_id, Chatgpt-Account-Id).
package openai

import (
	"encoding/json"
	"math/rand"
	"time"
)

// ChatCompletionRequest captures the subset of OpenAI's request we currently support.
type ChatCompletionRequest struct {
	Model           string        `json:"model"`
	Messages        []ChatMessage `json:"messages"`
	Stream          bool          `json:"stream"`
	MaxTokens       *int          `json:"max_tokens,omitempty"`
	ParentMessageID string        `json:"parent_message_id,omitempty"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	HistoryDisabled *bool         `json:"history_disabled,omitempty"`
	AccountID       string        `json:"Chatgpt-Account-Id,omitempty"`
}

// MaxTokensOrDefault returns the requested completion budget, effectively
// unbounded when the caller did not set one.
func (r *ChatCompletionRequest) MaxTokensOrDefault() int {
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		return *r.MaxTokens
	}
	return int(^uint32(0) >> 1)
}

// ChatMessage follows OpenAI's role/content schema.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent accepts both the plain-string and the multimodal-parts
// forms of the content field.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a vision attachment reference. URL may be an http(s)
// location or a data: URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// IsParts reports whether the content arrived in the multimodal array form.
func (c MessageContent) IsParts() bool { return c.Parts != nil }

// JoinedText flattens the content to a plain string, concatenating text
// parts when multimodal.
func (c MessageContent) JoinedText() string {
	if !c.IsParts() {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// TextContent wraps a plain string as message content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID                string                 `json:"id"`
	Object            string                 `json:"object"`
	Created           int64                  `json:"created"`
	Model             string                 `json:"model"`
	Choices           []ChatCompletionChoice `json:"choices"`
	Usage             UsageBreakdown         `json:"usage"`
	SystemFingerprint string                 `json:"system_fingerprint,omitempty"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	Logprobs     any         `json:"logprobs"`
	FinishReason string      `json:"finish_reason"`
}

// UsageBreakdown provides token accounting.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const completionIDChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewCompletionID generates a chatcmpl- identifier with 29 random
// alphanumeric characters, matching OpenAI's shape.
func NewCompletionID() string {
	buf := make([]byte, 29)
	for i := range buf {
		buf[i] = completionIDChars[rand.Intn(len(completionIDChars))]
	}
	return "chatcmpl-" + string(buf)
}

// NewCompletionResponse builds a single-choice completion response.
func NewCompletionResponse(model, content, finishReason, fingerprint string, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: TextContent(content)},
			FinishReason: finishReason,
		}},
		Usage:             usage,
		SystemFingerprint: fingerprint,
	}
}
