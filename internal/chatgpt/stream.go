package chatgpt

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/openai"
	"github.com/ojama/chat2api-go/internal/tokenizer"
)

// StreamEvent is one translated item on the outbound SSE stream. Exactly
// one terminal event is sent: Done (after which the writer emits [DONE]) or
// Err.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Done  bool
	Err   error
}

// upstreamEvent is the subset of the backend's conversation event we act on.
type upstreamEvent struct {
	Message *struct {
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
		Status   string `json:"status"`
		Metadata struct {
			ModelSlug string `json:"model_slug"`
		} `json:"metadata"`
		Content *struct {
			ContentType string            `json:"content_type"`
			Parts       []json.RawMessage `json:"parts"`
		} `json:"content"`
	} `json:"message"`
	Error json.RawMessage `json:"error"`
}

// translateStream converts the backend's conversation event stream into
// OpenAI chat.completion.chunk events. The returned channel is closed after
// the terminal event. Deltas are computed as suffixes over the longest text
// emitted so far, so replayed snapshots never produce duplicate content.
// Every send is gated on ctx so an abandoned receiver cannot strand the
// goroutine; on cancellation the upstream body is closed and the channel
// closed without a terminal event.
func translateStream(ctx context.Context, body io.ReadCloser, model string, maxTokens int, fingerprint string, logger *log.Logger) <-chan StreamEvent {
	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer body.Close()

		chatID := openai.NewCompletionID()
		created := time.Now().Unix()
		modelSlug := model
		lastText := ""

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func(delta openai.ChatMessageDelta, finishReason string) bool {
			chunk := openai.NewChunk(chatID, created, modelSlug, fingerprint, delta, finishReason)
			return send(StreamEvent{Chunk: &chunk})
		}

		if !emit(openai.RoleDelta("assistant"), "") {
			return
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if line == "data: [DONE]" {
				logger.Printf("chatgpt: response model: %s", modelSlug)
				if emit(openai.ChatMessageDelta{}, "stop") {
					send(StreamEvent{Done: true})
				}
				return
			}
			if !strings.HasPrefix(line, "data: {") {
				continue
			}

			var event upstreamEvent
			if err := json.Unmarshal([]byte(line[len("data: "):]), &event); err != nil {
				continue
			}
			if event.Message == nil {
				continue
			}
			if role := event.Message.Author.Role; role == "user" || role == "system" {
				continue
			}
			if slug := event.Message.Metadata.ModelSlug; slug != "" {
				modelSlug = slug
			}

			content := event.Message.Content
			if content != nil && content.ContentType == "text" {
				fullText := joinStringParts(content.Parts)

				switch event.Message.Status {
				case "finished_successfully":
					truncated, _, finishReason := tokenizer.SplitContent(fullText, maxTokens, model)
					if len(truncated) > len(lastText) {
						if !emit(openai.ContentDelta(truncated[len(lastText):]), "") {
							return
						}
					}
					lastText = truncated
					if emit(openai.ChatMessageDelta{}, finishReason) {
						send(StreamEvent{Done: true})
					}
					return
				case "in_progress", "finished_partially":
					if len(fullText) > len(lastText) {
						if !emit(openai.ContentDelta(fullText[len(lastText):]), "") {
							return
						}
						lastText = fullText
					}
				}
			}

			if len(event.Error) > 0 && string(event.Error) != "null" {
				logger.Printf("chatgpt: upstream stream error: %s", event.Error)
				send(StreamEvent{Done: true})
				return
			}
		}
		send(StreamEvent{Done: true})
	}()
	return events
}

func joinStringParts(parts []json.RawMessage) string {
	var b strings.Builder
	for _, raw := range parts {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			b.WriteString(s)
		}
	}
	return b.String()
}

// FoldStream consumes a translated stream into a single non-streaming
// completion response. An empty assistant message maps to a 403, matching
// the backend's behavior for blocked conversations.
func FoldStream(events <-chan StreamEvent, promptTokens, maxTokens int, model string, catalog *Catalog) (openai.ChatCompletionResponse, error) {
	allText := ""
	modelSlug := model
	for event := range events {
		if event.Err != nil {
			return openai.ChatCompletionResponse{}, event.Err
		}
		if event.Done {
			break
		}
		if event.Chunk == nil {
			continue
		}
		if event.Chunk.Model != "" {
			modelSlug = event.Chunk.Model
		}
		if len(event.Chunk.Choices) > 0 {
			allText += event.Chunk.Choices[0].Delta.Text()
		}
	}

	content, completionTokens, finishReason := tokenizer.SplitContent(allText, maxTokens, model)
	if content == "" {
		return openai.ChatCompletionResponse{}, apierr.Upstream(403, "No content in the message.")
	}

	resp := openai.NewCompletionResponse(modelSlug, content, finishReason, catalog.Fingerprint(model), openai.UsageBreakdown{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	})
	return resp, nil
}
