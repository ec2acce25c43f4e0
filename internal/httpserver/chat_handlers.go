package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/chatgpt"
	"github.com/ojama/chat2api-go/internal/ledger"
	"github.com/ojama/chat2api-go/internal/openai"
	"github.com/ojama/chat2api-go/internal/tokenizer"
)

// modelsEpoch matches the created timestamp OpenAI publishes for its
// catalog entries.
const modelsEpoch = 1677610602

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]openai.Model, 0, len(chatgpt.ServedModels))
	for _, id := range chatgpt.ServedModels {
		models = append(models, openai.NewModel(id, "openai", modelsEpoch))
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(models))
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("messages must not be empty"))
		return
	}

	origin := bearerToken(r.Header.Get("Authorization"))
	seed := r.URL.Query().Get("seed")

	// Each attempt builds a fresh session, so a retry can land on a
	// different pool credential and fingerprint.
	var (
		session *chatgpt.Session
		events  <-chan chatgpt.StreamEvent
		err     error
	)
	attempts := max(s.cfg.RetryTimes, 1)
	for i := 0; i < attempts; i++ {
		session, events, err = s.orch.Process(r.Context(), origin, seed, &req)
		if err == nil {
			break
		}
		if i+1 < attempts {
			s.logger.Printf("retry %d, status: %d, error: %v", i+1, apierr.StatusOf(err), err)
		}
	}
	if err != nil {
		s.respondError(w, apierr.StatusOf(err), err)
		return
	}
	defer session.Close()

	if req.Stream {
		s.streamCompletion(w, session, events)
		return
	}

	resp, err := chatgpt.FoldStream(events, session.PromptTokens(), session.MaxTokens(), session.ResponseModel(), session.Catalog())
	if err != nil {
		s.respondError(w, apierr.StatusOf(err), err)
		return
	}
	s.recordUsage(session, int64(resp.Usage.CompletionTokens))
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCompletion(w http.ResponseWriter, session *chatgpt.Session, events <-chan chatgpt.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	completionText := ""
	wroteAny := false
	for ev := range events {
		if ev.Err != nil {
			if !wroteAny {
				s.respondError(w, apierr.StatusOf(ev.Err), ev.Err)
				return
			}
			s.logger.Printf("stream aborted: %v", ev.Err)
			return
		}
		if ev.Done {
			break
		}
		if ev.Chunk == nil {
			continue
		}
		if len(ev.Chunk.Choices) > 0 {
			completionText += ev.Chunk.Choices[0].Delta.Text()
		}
		wroteAny = true
		_, _ = io.WriteString(w, "data: ")
		if err := json.NewEncoder(w).Encode(ev.Chunk); err != nil {
			return
		}
		_, _ = io.WriteString(w, "\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	s.recordUsage(session, int64(tokenizer.CountText(completionText, session.ResponseModel())))
}

// recordUsage writes one ledger entry per finished request. Credentials are
// truncated so refresh tokens never land in the database whole.
func (s *Server) recordUsage(session *chatgpt.Session, completionTokens int64) {
	if s.ledger == nil {
		return
	}
	cred := session.PoolCredential()
	if len(cred) > 12 {
		cred = cred[:12]
	}
	if cred == "" {
		cred = "anonymous"
	}
	entry := ledger.Entry{
		Credential:       cred,
		Model:            session.ResponseModel(),
		PromptTokens:     int64(session.PromptTokens()),
		CompletionTokens: completionTokens,
		CreatedAt:        time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.logger.Printf("ledger record failed: %v", err)
	}
}
