package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scribe/api/internal/changes"
	"scribe/api/internal/collab"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// POST /api/documents
	if r.Method == http.MethodPost && len(parts) == 2 {
		s.handleCreateDocument(w, r)
		return
	}

	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	documentID := parts[2]

	// GET /api/documents/{id}
	if r.Method == http.MethodGet && len(parts) == 3 {
		payload, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// PUT /api/documents/{id} - save document title/subtitle
	if r.Method == http.MethodPut && len(parts) == 3 {
		in, ok := decodeSaveInput(w, r)
		if !ok {
			return
		}
		result, err := s.service.SaveDocumentMeta(r.Context(), documentID, in)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// PUT /api/documents/{id}/sections/{sectionId}
	if r.Method == http.MethodPut && len(parts) == 5 && parts[3] == "sections" {
		in, ok := decodeSaveInput(w, r)
		if !ok {
			return
		}
		result, err := s.service.SaveSection(r.Context(), documentID, parts[4], in)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// GET /api/documents/{id}/sections/{sectionId}/highlights?field=body
	if r.Method == http.MethodGet && len(parts) == 6 && parts[3] == "sections" && parts[5] == "highlights" {
		field := r.URL.Query().Get("field")
		if field == "" {
			field = "body"
		}
		spans, err := s.service.Highlights(r.Context(), documentID, parts[4], field)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"sectionId":  parts[4],
			"field":      field,
			"spans":      spans,
		})
		return
	}

	// GET /api/documents/{id}/changes?limit=
	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "changes" {
		limit := queryInt(r, "limit", 50)
		views, err := s.service.ListChanges(r.Context(), documentID, limit)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"changes":    views,
		})
		return
	}

	// GET /api/documents/{id}/changes/search?q=&kind=&limit=
	if r.Method == http.MethodGet && len(parts) == 5 && parts[3] == "changes" && parts[4] == "search" {
		query := r.URL.Query()
		response := s.service.SearchChanges(r.Context(), documentID,
			query.Get("q"), query.Get("kind"), queryInt(r, "limit", 20))
		writeJSON(w, http.StatusOK, response)
		return
	}

	// GET /api/documents/{id}/attribution
	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "attribution" {
		writeJSON(w, http.StatusOK, map[string]any{
			"documentId": documentID,
			"fields":     s.service.Attribution(r.Context(), documentID),
		})
		return
	}

	// GET /api/documents/{id}/collaborators
	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "collaborators" {
		views, err := s.service.ListCollaborators(r.Context(), documentID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collaborators": views})
		return
	}

	// POST /api/documents/{id}/collaborators
	if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "collaborators" {
		var body struct {
			Author string `json:"author"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Author) == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "author is required", nil)
			return
		}
		view, err := s.service.AddCollaborator(r.Context(), documentID, strings.TrimSpace(body.Author), body.Role)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	// DELETE /api/documents/{id}/collaborators/{authorId}
	if r.Method == http.MethodDelete && len(parts) == 5 && parts[3] == "collaborators" {
		if err := s.service.RemoveCollaborator(r.Context(), documentID, parts[4]); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": parts[4]})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    string `json:"title"`
		Subtitle string `json:"subtitle"`
		Owner    string `json:"owner"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Owner) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "owner is required", nil)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), body.Title, body.Subtitle, strings.TrimSpace(body.Owner))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

// decodeSaveInput parses the shared save body. A null or absent authorId
// selects the AI pathway.
func decodeSaveInput(w http.ResponseWriter, r *http.Request) (SaveInput, bool) {
	var body struct {
		AuthorID *string           `json:"authorId"`
		Kind     string            `json:"kind"`
		Fields   map[string]string `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return SaveInput{}, false
	}
	if len(body.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "fields is required", nil)
		return SaveInput{}, false
	}
	authorID := body.AuthorID
	if authorID != nil && strings.TrimSpace(*authorID) == "" {
		authorID = nil
	}
	return SaveInput{AuthorID: authorID, Kind: body.Kind, Fields: body.Fields}, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErr *changes.FieldError
	if errors.As(err, &fieldErr) {
		return http.StatusBadRequest, "INVALID_FIELD", fieldErr.Error(), nil
	}
	if errors.Is(err, collab.ErrProtectedRole) {
		return http.StatusConflict, "PROTECTED_ROLE", "The document owner cannot be removed", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
