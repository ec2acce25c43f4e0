package httpserver

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

var tokensPage = template.Must(template.New("tokens").Parse(`<!DOCTYPE html>
<html>
<head><title>Token Manager</title></head>
<body>
<h1>Token Manager</h1>
<p>Active credentials: {{.ActiveCount}}</p>
<p>Quarantined credentials: {{.ErrorCount}}</p>
<form method="post" action="upload">
<textarea name="text" rows="10" cols="80" placeholder="one credential per line, # for comments"></textarea><br>
<button type="submit">Upload</button>
</form>
<form method="post" action="clear">
<button type="submit">Clear all</button>
</form>
</body>
</html>
`))

func (s *Server) handleTokensPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = tokensPage.Execute(w, map[string]int{
		"ActiveCount": s.store.ActiveCount(),
		"ErrorCount":  len(s.store.Quarantined()),
	})
}

func (s *Server) handleTokensUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid form body"))
		return
	}
	added := 0
	for _, line := range strings.Split(r.PostFormValue("text"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.store.AppendCredential(line); err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		added++
	}
	s.logger.Printf("uploaded %d credentials, %d active", added, s.store.ActiveCount())
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"added":        added,
		"active_count": s.store.ActiveCount(),
	})
}

func (s *Server) handleTokensClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.ClearAll(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Printf("cleared credential pool")
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "success", "active_count": 0})
}

func (s *Server) handleTokensError(w http.ResponseWriter, _ *http.Request) {
	quarantined := s.store.Quarantined()
	masked := make([]string, 0, len(quarantined))
	for _, token := range quarantined {
		masked = append(masked, maskCredential(token))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"error_tokens": masked,
	})
}

func (s *Server) handleTokenAdd(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("token required"))
		return
	}
	if err := s.store.AppendCredential(token); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"active_count": s.store.ActiveCount(),
	})
}

func (s *Server) handleTokensUsage(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("usage ledger disabled"))
		return
	}
	if credential := r.URL.Query().Get("credential"); credential != "" {
		summary, err := s.ledger.Summary(r.Context(), credential)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		s.respondJSON(w, http.StatusOK, summary)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func maskCredential(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}
