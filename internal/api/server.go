// Package api exposes the archive over HTTP and over MCP stdio.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbrichman/scry/internal/expand"
	"github.com/mbrichman/scry/internal/importer"
	"github.com/mbrichman/scry/internal/search"
	"github.com/mbrichman/scry/internal/storage"
)

const maxRequestBodySize = 32 << 20 // imports carry whole archives

// AppDeps carries the wired components the handlers use.
type AppDeps struct {
	Store    *storage.Store
	Engine   *search.Engine
	Importer *importer.Importer
	Expander *expand.Expander
	// Model is the active embedding model, reported by ops endpoints.
	Model string
	// Token enables bearer auth when non-empty.
	Token  string
	Logger *slog.Logger
}

// NewAppHandler builds the HTTP API. The health endpoint is always open;
// everything else sits behind bearer auth when a token is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/search", handleSearch(deps))

		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations/import", handleImport(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Patch("/conversations/{id}", handleRenameConversation(deps))
		r.Delete("/conversations/{id}", handleDeleteConversation(deps))

		r.Patch("/messages/{id}", handleEditMessage(deps))
		r.Patch("/messages/{id}/metadata", handleEditMetadata(deps))
		r.Post("/messages/{id}/reembed", handleReembed(deps))

		r.Post("/synonyms", handleAddSynonyms(deps))

		r.Get("/ops/jobs", handleJobStats(deps))
		r.Post("/ops/jobs/prune", handlePruneJobs(deps))
		r.Get("/ops/coverage", handleCoverage(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.CountMessages(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query          string   `json:"query"`
	Mode           string   `json:"mode,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	From           string   `json:"from,omitempty"`
	To             string   `json:"to,omitempty"`
	SemanticWeight *float64 `json:"semantic_weight,omitempty"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sreq := search.Request{
			Query:          req.Query,
			Mode:           req.Mode,
			Limit:          req.Limit,
			SemanticWeight: req.SemanticWeight,
		}
		var err error
		if sreq.From, err = parseTimeParam(req.From); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid from: %v", err)
			return
		}
		if sreq.To, err = parseTimeParam(req.To); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid to: %v", err)
			return
		}
		if req.SemanticWeight != nil && (*req.SemanticWeight < 0 || *req.SemanticWeight > 1) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "semantic_weight must be in [0,1]")
			return
		}

		resp, err := deps.Engine.Search(r.Context(), sreq)
		if isBadSearchRequest(err) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, resp)
	}
}

func isBadSearchRequest(err error) bool {
	return errors.Is(err, search.ErrInvalidMode) ||
		errors.Is(err, search.ErrInvalidLimit) ||
		errors.Is(err, search.ErrEmptyQuery)
}

// conversationsPage is the body of GET /conversations.
type conversationsPage struct {
	Conversations []storage.Conversation `json:"conversations"`
	Pagination    search.Pagination      `json:"pagination"`
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)
		perPage := parseIntParam(r, "per_page", search.DefaultPerPage, 100)

		total, err := deps.Store.CountConversations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count conversations: %v", err)
			return
		}

		p := search.Paginate(total, page, perPage)
		start, end := p.Bounds()
		convs, err := deps.Store.ListConversationsPage(end-start, start)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, conversationsPage{Conversations: convs, Pagination: p})
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		sum, err := deps.Importer.ImportReader(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "import failed: %v", err)
			return
		}
		deps.Engine.InvalidateCache()
		writeJSON(w, sum)
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Store.GetConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}
		writeJSON(w, conv)
	}
}

func handleRenameConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		err := deps.Store.UpdateConversationTitle(chi.URLParam(r, "id"), req.Title)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to rename: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete: %v", err)
			return
		}
		deps.Engine.InvalidateCache()
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleEditMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		msg, err := deps.Store.UpdateMessageContent(id, req.Content)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update message: %v", err)
			return
		}
		deps.Engine.InvalidateCache()
		writeJSON(w, msg)
	}
}

func handleEditMetadata(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var metadata map[string]string
		if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err = deps.Store.UpdateMessageMetadata(id, metadata)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update metadata: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

// handleReembed force-queues a fresh embedding job for one message, used
// after model changes or to repair a failed job manually.
func handleReembed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if _, err := deps.Store.GetMessage(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load message: %v", err)
			return
		}

		if err := deps.Store.EnqueueEmbeddingJob(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "queued"})
	}
}

// SynonymsRequest is the body of POST /synonyms.
type SynonymsRequest struct {
	Term          string   `json:"term"`
	Related       []string `json:"related"`
	Bidirectional *bool    `json:"bidirectional,omitempty"`
}

func handleAddSynonyms(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SynonymsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Term == "" || len(req.Related) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "term and related are required")
			return
		}
		bidirectional := true
		if req.Bidirectional != nil {
			bidirectional = *req.Bidirectional
		}

		deps.Expander.AddMapping(req.Term, req.Related, bidirectional)
		deps.Engine.InvalidateCache()
		writeJSON(w, map[string]string{"status": "added"})
	}
}

func handleJobStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountJobs(storage.JobKindEmbedding)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"kind":      counts.Kind,
			"pending":   counts.Pending,
			"running":   counts.Running,
			"completed": counts.Completed,
			"failed":    counts.Failed,
		})
	}
}

// handlePruneJobs drops terminal jobs older than the retention window,
// without waiting for the next sweep.
func handlePruneJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Retention string `json:"retention,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		retention := 7 * 24 * time.Hour
		if req.Retention != "" {
			d, err := time.ParseDuration(req.Retention)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid retention: %q", req.Retention)
				return
			}
			retention = d
		}

		pruned, err := deps.Store.PruneJobs(retention)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to prune jobs: %v", err)
			return
		}
		writeJSON(w, map[string]any{"pruned": pruned})
	}
}

func handleCoverage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cov, err := deps.Store.EmbeddingCoverage(deps.Model)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute coverage: %v", err)
			return
		}
		total, err := deps.Store.CountMessages()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count messages: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"model":    deps.Model,
			"coverage": cov,
			"messages": total,
		})
	}
}

func messageID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", raw)
	}
	return id, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseIntParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
