package chatgpt

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/auth"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/fingerprint"
	"github.com/ojama/chat2api-go/internal/limiter"
	"github.com/ojama/chat2api-go/internal/openai"
	"github.com/ojama/chat2api-go/internal/sentinel"
	"github.com/ojama/chat2api-go/internal/tokenizer"
	"github.com/ojama/chat2api-go/internal/upstream"
)

// Orchestrator holds the long-lived collaborators shared by every
// conversation session.
type Orchestrator struct {
	cfg          *config.Config
	resolver     *auth.Resolver
	fingerprints *fingerprint.Provider
	limiter      *limiter.Limiter
	metadata     *sentinel.MetadataCache
	catalog      *Catalog
	logger       *log.Logger
}

func NewOrchestrator(cfg *config.Config, resolver *auth.Resolver, fps *fingerprint.Provider, lim *limiter.Limiter, catalog *Catalog, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		resolver:     resolver,
		fingerprints: fps,
		limiter:      lim,
		metadata:     sentinel.NewMetadataCache(logger),
		catalog:      catalog,
		logger:       logger,
	}
}

// Session is the per-request state machine: credential resolution, the
// chat-requirements handshake, payload assembly, and the conversation call.
// A session is used for exactly one attempt; retries build a fresh one.
type Session struct {
	orch   *Orchestrator
	cfg    *config.Config
	logger *log.Logger

	client     *upstream.Client
	credential auth.Credential
	poolCred   string

	reqModel  string
	respModel string
	hostURL   string
	baseURL   string
	userAgent string

	baseHeaders map[string]string
	chatHeaders map[string]string
	payload     map[string]any

	messages        []openai.ChatMessage
	promptTokens    int
	maxTokens       int
	historyDisabled bool
	parentMessageID string
	conversationID  string

	closeOnce sync.Once
}

// Process runs one full attempt and returns the session (for its token
// accounting) plus the translated event stream.
func (o *Orchestrator) Process(ctx context.Context, origin, seed string, req *openai.ChatCompletionRequest) (*Session, <-chan StreamEvent, error) {
	s, err := o.NewSession(ctx, origin, seed, req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.NegotiateRequirements(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	if err := s.PrepareConversation(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	events, err := s.Send(ctx)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, events, nil
}

// NewSession resolves the caller to an upstream identity and assembles the
// browser-equivalent header set.
func (o *Orchestrator) NewSession(ctx context.Context, origin, seed string, req *openai.ChatCompletionRequest) (*Session, error) {
	poolCred, err := o.resolver.SelectCredential(origin, seed)
	if err != nil {
		return nil, err
	}

	s := &Session{
		orch:     o,
		cfg:      o.cfg,
		logger:   o.logger,
		poolCred: poolCred,
		reqModel: req.Model,
		messages: req.Messages,
	}
	if s.reqModel == "" {
		s.reqModel = "gpt-3.5-turbo"
	}
	s.respModel = UpstreamSlug(s.reqModel)
	o.logger.Printf("chatgpt: request model: %s, response model: %s", s.reqModel, s.respModel)

	if o.cfg.EnableLimit && poolCred != "" {
		if err := o.limiter.Check(poolCred, s.reqModel); err != nil {
			return nil, err
		}
	}

	s.credential, err = o.resolver.Materialize(ctx, poolCred)
	if err != nil {
		return nil, err
	}
	if req.AccountID != "" {
		s.credential.AccountID = req.AccountID
	}

	s.parentMessageID = req.ParentMessageID
	s.conversationID = req.ConversationID
	s.historyDisabled = o.cfg.HistoryDisabled
	if req.HistoryDisabled != nil {
		s.historyDisabled = *req.HistoryDisabled
	}
	s.maxTokens = req.MaxTokensOrDefault()

	s.hostURL = o.cfg.UpstreamHosts[rand.Intn(len(o.cfg.UpstreamHosts))]

	fp := o.fingerprints.Resolve(poolCred)
	s.userAgent = fp.UserAgent
	s.client, err = upstream.New(upstream.SessionProxy(fp.ProxyURL, poolCred), 0)
	if err != nil {
		return nil, apierr.Internal(err.Error())
	}

	s.baseHeaders = map[string]string{
		"Accept":          "*/*",
		"Accept-Encoding": "gzip, deflate, br",
		"Accept-Language": "en-US,en;q=0.9",
		"Content-Type":    "application/json",
		"Oai-Language":    o.cfg.OAILanguage,
		"Origin":          s.hostURL,
		"Priority":        "u=1, i",
		"Referer":         s.hostURL + "/",
		"Sec-Fetch-Dest":  "empty",
		"Sec-Fetch-Mode":  "cors",
		"Sec-Fetch-Site":  "same-origin",
		"User-Agent":      s.userAgent,
	}
	if fp.DeviceID != "" {
		s.baseHeaders["Oai-Device-Id"] = fp.DeviceID
	}

	if s.credential.Bearer != "" {
		s.baseURL = s.hostURL + "/backend-api"
		s.baseHeaders["Authorization"] = "Bearer " + s.credential.Bearer
	} else {
		s.logger.Print("chatgpt: empty credential, using anonymous backend")
		s.baseURL = s.hostURL + "/backend-anon"
	}
	if s.credential.AccountID != "" {
		s.baseHeaders["Chatgpt-Account-Id"] = s.credential.AccountID
	}
	return s, nil
}

// NegotiateRequirements performs the sentinel handshake: scrape metadata,
// post the requirements probe, and solve the returned proof-of-work.
// Handshake failures are logged but not fatal; the conversation call itself
// decides whether the upstream accepts the request.
func (s *Session) NegotiateRequirements(ctx context.Context) error {
	if s.cfg.ConversationOnly {
		s.logger.Print("chatgpt: conversation only mode, skip requirements")
		return nil
	}

	meta := s.orch.metadata.Snapshot(ctx, s.client, s.hostURL, s.userAgent)
	solveConfig := sentinel.BuildConfig(s.userAgent, meta)

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := s.client.PostJSON(reqCtx, s.baseURL+"/sentinel/chat-requirements", map[string]string{
		"p": sentinel.RequirementsToken(solveConfig),
	}, s.baseHeaders)
	if err != nil {
		s.logger.Printf("chatgpt: failed to get chat requirements: %v", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.logger.Printf("chatgpt: failed to get chat requirements: %d", resp.StatusCode)
		return nil
	}

	var body struct {
		ProofOfWork struct {
			Required   bool   `json:"required"`
			Seed       string `json:"seed"`
			Difficulty string `json:"difficulty"`
		} `json:"proofofwork"`
		Turnstile struct {
			Required bool `json:"required"`
		} `json:"turnstile"`
		Token string `json:"chat-requirements-token"`
	}
	if err := upstream.ReadJSON(resp, &body); err != nil {
		s.logger.Printf("chatgpt: failed to get chat requirements: %v", err)
		return nil
	}

	if body.ProofOfWork.Required {
		if sentinel.TooHard(body.ProofOfWork.Difficulty, s.cfg.PowDifficulty) {
			s.logger.Printf("chatgpt: difficulty %s exceeds ceiling %s, sending fallback",
				body.ProofOfWork.Difficulty, s.cfg.PowDifficulty)
			s.baseHeaders["Openai-Sentinel-Proof-Token"] = sentinel.Fallback(body.ProofOfWork.Seed).Token
		} else {
			s.solveProof(ctx, body.ProofOfWork.Seed, body.ProofOfWork.Difficulty, solveConfig)
		}
	}
	if body.Turnstile.Required {
		s.logger.Print("chatgpt: turnstile required but not supported")
	}
	if body.Token != "" {
		s.baseHeaders["Openai-Sentinel-Chat-Requirements-Token"] = body.Token
	}
	return nil
}

// solveProof runs the candidate search off the request goroutine so a
// canceled caller doesn't wait out the CPU-bound loop.
func (s *Session) solveProof(ctx context.Context, seed, difficulty string, solveConfig []any) {
	start := time.Now()
	solved := make(chan sentinel.Answer, 1)
	go func() {
		solved <- sentinel.Solve(seed, difficulty, solveConfig)
	}()
	select {
	case <-ctx.Done():
	case answer := <-solved:
		s.baseHeaders["Openai-Sentinel-Proof-Token"] = answer.Token
		s.logger.Printf("chatgpt: diff: %s, time: %s, solved: %t",
			difficulty, time.Since(start).Round(time.Millisecond), answer.Solved)
	}
}

// PrepareConversation converts the OpenAI messages into the backend's
// conversation payload, uploading attachments and computing prompt tokens.
func (s *Session) PrepareConversation(ctx context.Context) error {
	chatMessages, fileTokens := s.convertMessages(ctx)
	s.promptTokens = tokenizer.CountMessages(s.messages, s.respModel) + fileTokens

	parentMessageID := s.parentMessageID
	if parentMessageID == "" {
		parentMessageID = uuid.NewString()
	}

	s.payload = map[string]any{
		"action":                        "next",
		"messages":                      chatMessages,
		"parent_message_id":             parentMessageID,
		"model":                         s.respModel,
		"history_and_training_disabled": s.historyDisabled,
	}
	if s.conversationID != "" {
		s.payload["conversation_id"] = s.conversationID
	}
	if s.historyDisabled {
		s.payload["timezone_offset_min"] = -480
	}

	s.chatHeaders = make(map[string]string, len(s.baseHeaders)+1)
	for k, v := range s.baseHeaders {
		s.chatHeaders[k] = v
	}
	s.chatHeaders["Accept"] = "text/event-stream"
	return nil
}

func (s *Session) convertMessages(ctx context.Context) ([]map[string]any, int) {
	fileTokens := 0
	out := make([]map[string]any, 0, len(s.messages))

	for _, msg := range s.messages {
		contentType := "text"
		var parts []any
		metadata := map[string]any{}

		if msg.Content.IsParts() {
			contentType = "multimodal_text"
			var attachments []map[string]any
			for _, part := range msg.Content.Parts {
				switch part.Type {
				case "text":
					parts = append(parts, part.Text)
				case "image_url":
					if part.ImageURL == nil || part.ImageURL.URL == "" {
						continue
					}
					if meta, detail := s.uploadImagePart(ctx, part.ImageURL); meta != nil {
						fileTokens += tokenizer.ImageTokens(meta.Width, meta.Height, detail)
						parts = append(parts, map[string]any{
							"content_type":  "image_asset_pointer",
							"asset_pointer": "file-service://" + meta.FileID,
							"size_bytes":    meta.SizeBytes,
							"width":         meta.Width,
							"height":        meta.Height,
						})
						attachments = append(attachments, map[string]any{
							"id":        meta.FileID,
							"size":      meta.SizeBytes,
							"name":      meta.FileName,
							"mime_type": meta.MimeType,
							"width":     meta.Width,
							"height":    meta.Height,
						})
					}
				}
			}
			metadata["attachments"] = attachments
		} else {
			parts = []any{msg.Content.Text}
		}

		out = append(out, map[string]any{
			"id":       uuid.NewString(),
			"author":   map[string]any{"role": msg.Role},
			"content":  map[string]any{"content_type": contentType, "parts": parts},
			"metadata": metadata,
		})
	}
	return out, fileTokens
}

// uploadImagePart fetches and uploads one image_url attachment. Remote URLs
// are only fetched when upload-by-url is enabled; data: URIs always are.
func (s *Session) uploadImagePart(ctx context.Context, ref *openai.ImageURL) (*FileMeta, string) {
	detail := ref.Detail
	if detail == "" {
		detail = "auto"
	}
	if !strings.HasPrefix(ref.URL, "data:") && !s.cfg.UploadByURL {
		s.logger.Print("chatgpt: skipping remote attachment, upload_by_url disabled")
		return nil, detail
	}
	content, mimeType, err := FetchFileContent(ctx, ref.URL)
	if err != nil {
		s.logger.Printf("chatgpt: fetch attachment: %v", err)
		return nil, detail
	}
	meta := s.UploadFile(ctx, content, mimeType)
	if meta == nil || !strings.HasPrefix(meta.MimeType, "image/") {
		return nil, detail
	}
	return meta, detail
}

// Send posts the conversation and returns the translated event stream.
func (s *Session) Send(ctx context.Context) (<-chan StreamEvent, error) {
	resp, err := s.client.PostStream(ctx, s.baseURL+"/conversation", s.payload, s.chatHeaders)
	if err != nil {
		s.logger.Printf("chatgpt: send conversation failed: %v", err)
		return nil, apierr.Internal(err.Error())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		s.observeLimit(resp.StatusCode, body)
		s.logger.Printf("chatgpt: send conversation failed: %d %s", resp.StatusCode, body)
		return nil, apierr.Upstream(resp.StatusCode, "%s", strings.TrimSpace(string(body)))
	}
	return translateStream(ctx, resp.Body, s.respModel, s.maxTokens, s.orch.catalog.Fingerprint(s.respModel), s.logger), nil
}

// observeLimit records upstream-reported model cooldowns so later requests
// with this credential fail fast.
func (s *Session) observeLimit(status int, body []byte) {
	if status != http.StatusTooManyRequests || s.poolCred == "" {
		return
	}
	var payload struct {
		Detail struct {
			ClearsIn int64 `json:"clears_in"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail.ClearsIn > 0 {
		s.orch.limiter.Observe(s.poolCred, s.reqModel, payload.Detail.ClearsIn)
	}
}

// Close releases the session's pooled connections. Safe to call more than
// once and after the stream has been consumed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.client.CloseIdle()
		}
	})
}

// PromptTokens reports the computed prompt cost for usage accounting.
func (s *Session) PromptTokens() int { return s.promptTokens }

// MaxTokens reports the completion budget for this request.
func (s *Session) MaxTokens() int { return s.maxTokens }

// ResponseModel is the upstream slug the conversation was issued with.
func (s *Session) ResponseModel() string { return s.respModel }

// PoolCredential is the resolved pool entry, used as the ledger key.
func (s *Session) PoolCredential() string { return s.poolCred }

// Catalog exposes the orchestrator's model catalog for response folding.
func (s *Session) Catalog() *Catalog { return s.orch.catalog }

