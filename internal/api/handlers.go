package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
	checks   map[string]func(context.Context) error
}

func New(hub *ws.Hub, database *db.Database) *API {
	return &API{
		hub:      hub,
		database: database,
		checks:   make(map[string]func(context.Context) error),
	}
}

// AddHealthCheck registers a dependency probed by /health.
func (a *API) AddHealthCheck(name string, check func(context.Context) error) {
	a.checks[name] = check
}

// Routes registers the HTTP endpoints on r.
func (a *API) Routes(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(a.HealthHandler)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(a.StatsHandler)
	r.Methods(http.MethodGet).Path("/api/documents").HandlerFunc(a.ListDocumentsHandler)
	r.Methods(http.MethodPost).Path("/api/documents").HandlerFunc(a.CreateDocumentHandler)
	r.Methods(http.MethodGet).Path("/api/documents/{id}").HandlerFunc(a.GetDocumentHandler)
	r.Methods(http.MethodDelete).Path("/api/documents/{id}").HandlerFunc(a.DeleteDocumentHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// HealthHandler reports liveness along with the number of open rooms and
// live connections.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(a.checks)+1)

	if a.database != nil {
		checks["database"] = "ok"
		if err := a.database.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "check", "database", "err", err)
			checks["database"] = "unreachable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	for name, check := range a.checks {
		checks[name] = "ok"
		if err := check(r.Context()); err != nil {
			slog.Warn("health check failed", "check", name, "err", err)
			checks[name] = "unreachable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	jsonResponse(w, code, map[string]interface{}{
		"status":             status,
		"checks":             checks,
		"active_rooms":       a.hub.GetRoomCount(),
		"active_connections": a.hub.GetClientCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":       a.hub.GetRoomCount(),
		"active_connections": a.hub.GetClientCount(),
		"rooms":              a.hub.GetActiveRooms(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_documents"] = dbStats.DocumentCount
			stats["total_bytes"] = dbStats.TotalBytes
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Document handlers

type DocumentResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Language    string    `json:"language,omitempty"`
	Content     string    `json:"content,omitempty"` // Omit in list view
	Version     int64     `json:"version,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

type CreateDocumentRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := a.database.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list documents failed", "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]DocumentResponse, len(docs))
	for i, doc := range docs {
		response[i] = DocumentResponse{
			ID:          doc.ID,
			Title:       doc.Title,
			Language:    doc.Language,
			CreatedAt:   doc.CreatedAt,
			UpdatedAt:   doc.UpdatedAt,
			ActiveUsers: activeRooms[doc.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"documents": response,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) CreateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	doc, err := a.database.CreateDocument(r.Context(), req.ID, req.Title, req.Language, req.Content)
	if errors.Is(err, db.ErrDocumentExists) {
		errorResponse(w, http.StatusConflict, "Document already exists")
		return
	}
	if err != nil || doc == nil {
		slog.Error("create document failed", "document", req.ID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create document")
		return
	}

	jsonResponse(w, http.StatusCreated, DocumentResponse{
		ID:        doc.ID,
		Title:     doc.Title,
		Language:  doc.Language,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	})
}

// GetDocumentHandler returns the stored document. While the document is
// open its live content and version replace the stored copy.
func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := a.database.GetDocument(r.Context(), id)
	if err != nil {
		slog.Error("get document failed", "document", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}

	if doc == nil {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	response := DocumentResponse{
		ID:          doc.ID,
		Title:       doc.Title,
		Language:    doc.Language,
		Content:     doc.Content,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		ActiveUsers: a.hub.GetActiveRooms()[id],
	}
	if st, ok := a.hub.LiveState(id); ok {
		response.Content = st.Content
		response.Version = st.Version
		response.UpdatedAt = st.LastModified
	}

	jsonResponse(w, http.StatusOK, response)
}

func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if a.hub.GetActiveRooms()[id] > 0 {
		errorResponse(w, http.StatusConflict, "Document is open")
		return
	}

	err := a.database.DeleteDocument(r.Context(), id)
	if errors.Is(err, db.ErrNoDocument) {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		slog.Error("delete document failed", "document", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}
