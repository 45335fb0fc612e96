package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"docmind/internal/app"
	"docmind/internal/auth"
	"docmind/internal/ratelimit"
	"docmind/internal/util"
	"docmind/pkg/billing"
)

// Config holds dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier *auth.Verifier

	RedisAddr     string
	RedisPassword string

	MaxUploadBytes           int64
	UploadRateLimitPerMinute int
	QueryRateLimitPerMinute  int
}

// Server is the HTTP API over the document pipeline.
type Server struct {
	app            *app.App
	verifier       *auth.Verifier
	mux            *http.ServeMux
	maxUploadBytes int64
	uploadLimiter  *ratelimit.FixedWindowLimiter
	queryLimiter   *ratelimit.FixedWindowLimiter
}

// New wires routes and rate limiters.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("token verifier required")
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 10
	}
	queryLimit := cfg.QueryRateLimitPerMinute
	if queryLimit <= 0 {
		queryLimit = 30
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "docmind:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	queryLimiter, err := newLimiter("query", queryLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		uploadLimiter:  uploadLimiter,
		queryLimiter:   queryLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the handler wrapped with the standard middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("docmind", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/api/documents/query", s.authenticated(s.handleQuery))
	s.mux.Handle("/api/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
	s.mux.Handle("/api/usage/estimate", s.authenticated(s.handleEstimate))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ownerID, err := s.verifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, ownerID)
	case http.MethodGet:
		docs, err := s.app.ListDocuments(ownerID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documents": docs,
			"total":     len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ownerID string) {
	if !s.allowRate(w, s.uploadLimiter, ownerID, "upload limit reached, retry later") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data or file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if strings.ToLower(filepath.Ext(header.Filename)) != ".pdf" {
		writeError(w, http.StatusBadRequest, "only PDF uploads are supported")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	if !strings.HasPrefix(string(data[:min(len(data), 8)]), "%PDF") {
		writeError(w, http.StatusBadRequest, "file is not a PDF")
		return
	}
	doc, err := s.app.Upload(r.Context(), ownerID, header.Filename, data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"documentId": doc.ID,
		"status":     doc.Status,
	})
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	id := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if docID, ok := strings.CutSuffix(id, "/download"); ok {
		s.handleDownload(w, r, ownerID, docID)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(ownerID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), ownerID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case http.MethodPatch:
		var req updateDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		doc, err := s.app.UpdateDocumentMetadata(ownerID, id, req.Title, req.Author)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ownerID, docID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if docID == "" || strings.Contains(docID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	url, err := s.app.DownloadURL(r.Context(), ownerID, docID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, s.queryLimiter, ownerID, "query limit reached, retry later") {
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Query(r.Context(), ownerID, req.Query, req.DocumentIDs, req.TopK)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rows, err := s.app.UsageReport(ownerID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":  s.app.Tier(),
		"usage": rows,
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tier := billing.Tier(strings.TrimSpace(r.URL.Query().Get("tier")))
	if tier == "" {
		tier = s.app.Tier()
	}
	estimate, err := s.app.EstimateMonthly(tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

type queryRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"documentIds,omitempty"`
	TopK        int      `json:"topK,omitempty"`
}

type updateDocumentRequest struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

func (s *Server) allowRate(w http.ResponseWriter, limiter *ratelimit.FixedWindowLimiter, ownerID, msg string) bool {
	if limiter == nil || limiter.Allow(ownerID) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrInvalidInput.Error()+": "))
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}
