package openai

// ChatCompletionChunk represents a chunk in SSE streaming response.
type ChatCompletionChunk struct {
	ID                string                      `json:"id"`
	Object            string                      `json:"object"`
	Created           int64                       `json:"created"`
	Model             string                      `json:"model"`
	Choices           []ChatCompletionChunkChoice `json:"choices"`
	SystemFingerprint string                      `json:"system_fingerprint,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	Logprobs     any              `json:"logprobs"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
// Content is a pointer so an opening delta can carry an explicit empty
// string while a bare finish delta omits the field entirely.
type ChatMessageDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// RoleDelta is the opening delta of a stream. It announces the assistant
// role together with an empty content field.
func RoleDelta(role string) ChatMessageDelta {
	empty := ""
	return ChatMessageDelta{Role: role, Content: &empty}
}

// ContentDelta wraps a text increment.
func ContentDelta(text string) ChatMessageDelta {
	return ChatMessageDelta{Content: &text}
}

// Text returns the delta's content, empty when the field is absent.
func (d ChatMessageDelta) Text() string {
	if d.Content == nil {
		return ""
	}
	return *d.Content
}

// NewChunk builds one streaming chunk. finishReason may be empty, meaning
// the stream continues.
func NewChunk(id string, created int64, model, fingerprint string, delta ChatMessageDelta, finishReason string) ChatCompletionChunk {
	choice := ChatCompletionChunkChoice{Index: 0, Delta: delta}
	if finishReason != "" {
		choice.FinishReason = &finishReason
	}
	return ChatCompletionChunk{
		ID:                id,
		Object:            "chat.completion.chunk",
		Created:           created,
		Model:             model,
		Choices:           []ChatCompletionChunkChoice{choice},
		SystemFingerprint: fingerprint,
	}
}
