// Package httpserver exposes the OpenAI-compatible REST surface and the
// token management endpoints.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ojama/chat2api-go/internal/chatgpt"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/ledger"
	"github.com/ojama/chat2api-go/internal/ratelimit"
	"github.com/ojama/chat2api-go/internal/store"
	"github.com/ojama/chat2api-go/internal/version"
)

// Server routes OpenAI-style requests into the conversation orchestrator.
type Server struct {
	cfg    *config.Config
	orch   *chatgpt.Orchestrator
	store  *store.Store
	ledger ledger.Store
	admin  *ratelimit.Middleware
	logger *log.Logger
}

func New(cfg *config.Config, orch *chatgpt.Orchestrator, st *store.Store, lg ledger.Store, admin *ratelimit.Middleware, logger *log.Logger) *Server {
	return &Server{
		cfg:    cfg,
		orch:   orch,
		store:  st,
		ledger: lg,
		admin:  admin,
		logger: logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsAllowAll)

	prefix := ""
	if s.cfg.APIPrefix != "" {
		prefix = "/" + s.cfg.APIPrefix
	}

	r.Route(prefix+"/v1", func(api chi.Router) {
		api.Post("/chat/completions", s.handleChatCompletions)
		api.Get("/models", s.handleModels)
	})

	r.Route(prefix+"/tokens", func(admin chi.Router) {
		if s.admin != nil {
			admin.Use(s.admin.Wrap)
		}
		admin.Get("/", s.handleTokensPage)
		admin.Post("/upload", s.handleTokensUpload)
		admin.Post("/clear", s.handleTokensClear)
		admin.Post("/error", s.handleTokensError)
		admin.Get("/add/{token}", s.handleTokenAdd)
		admin.Get("/usage", s.handleTokensUsage)
	})

	r.Get("/health", s.handleHealth)
	return r
}

// corsAllowAll mirrors browser clients hitting the gateway from arbitrary
// origins; the pool credentials are the only access control.
func corsAllowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Info(),
		"pool":    s.store.ActiveCount(),
	})
}

// bearerToken strips an optional Bearer prefix from the Authorization
// header. A value without the prefix is a credential in its own right and
// is passed through untouched.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return header
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
