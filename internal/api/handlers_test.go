package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/pairpad/internal/ai"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/document"
	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

func setupTestAPI(t *testing.T) (*API, http.Handler, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "pairpad-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cache := document.NewCache(database, time.Second)
	limiter := ratelimit.NewWindowLimiter(ratelimit.NewMemoryStore(), 10, time.Minute)
	hub := ws.NewHub(cache, ai.NewStreamer(ai.Unavailable{}, limiter), limiter, ws.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	api := New(hub, database)
	r := mux.NewRouter()
	api.Routes(r)
	r.Use(LoggingMiddleware)

	cleanup := func() {
		cancel()
		<-hub.Done()
		cache.Flush()
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, CORSMiddleware("*")(r), cleanup
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	_, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
	if response["active_rooms"] != float64(0) {
		t.Errorf("Expected 0 active rooms, got %v", response["active_rooms"])
	}
	if response["active_connections"] != float64(0) {
		t.Errorf("Expected 0 active connections, got %v", response["active_connections"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	ctx := context.Background()
	api.database.CreateDocument(ctx, "a", "A", "go", "12345")
	api.database.CreateDocument(ctx, "b", "B", "go", "678")

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, key := range []string{"active_rooms", "active_connections", "rooms"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_documents"] != float64(2) {
		t.Errorf("Expected 2 documents, got %v", response["total_documents"])
	}
	if response["total_bytes"] != float64(8) {
		t.Errorf("Expected 8 bytes, got %v", response["total_bytes"])
	}
}

func TestCreateDocument(t *testing.T) {
	_, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "Create document with ID and title",
			body:           `{"id": "doc-1", "title": "Doc 1", "language": "go", "content": "package main"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Create document without ID",
			body:           `{"title": "Untitled"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Duplicate ID should conflict",
			body:           `{"id": "doc-1"}`,
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "Invalid JSON",
			body:           `invalid json`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/documents", bytes.NewReader([]byte(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusCreated {
				if id := decode(t, w)["id"]; id == "" || id == nil {
					t.Error("Created document should have an id")
				}
			}
		})
	}
}

func TestGetDocument(t *testing.T) {
	api, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateDocument(context.Background(), "get-doc", "Get", "python", "print(1)")

	req := httptest.NewRequest("GET", "/api/documents/get-doc", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["id"] != "get-doc" {
		t.Errorf("Expected document ID 'get-doc', got '%v'", response["id"])
	}
	if response["content"] != "print(1)" {
		t.Errorf("Expected stored content, got '%v'", response["content"])
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	_, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/documents/non-existent", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListDocumentsPagination(t *testing.T) {
	api, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		api.database.CreateDocument(context.Background(), "page-doc-"+string(rune('a'+i)), "", "", "")
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 10},
		{"?limit=3", 3},
		{"?limit=3&offset=8", 2},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/documents"+tt.query, nil)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			docs, ok := decode(t, w)["documents"].([]any)
			if !ok {
				t.Fatal("Response should contain 'documents' array")
			}
			if len(docs) != tt.want {
				t.Errorf("Expected %d documents, got %d", tt.want, len(docs))
			}
		})
	}
}

func TestDeleteDocument(t *testing.T) {
	api, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateDocument(context.Background(), "delete-doc", "Delete", "", "")

	req := httptest.NewRequest("DELETE", "/api/documents/delete-doc", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	doc, _ := api.database.GetDocument(context.Background(), "delete-doc")
	if doc != nil {
		t.Error("Document should have been deleted")
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/documents/delete-doc", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestRouterMethods(t *testing.T) {
	_, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"GET list", "GET", "/api/documents", http.StatusOK},
		{"PUT not allowed", "PUT", "/api/documents", http.StatusMethodNotAllowed},
		{"POST on item not allowed", "POST", "/api/documents/x", http.StatusMethodNotAllowed},
		{"CORS preflight", "OPTIONS", "/api/documents", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader([]byte{}))
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("CORS header should be set on every response")
			}
		})
	}
}

func TestHealthHandlerDegraded(t *testing.T) {
	api, handler, cleanup := setupTestAPI(t)
	defer cleanup()

	api.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	response := decode(t, w)
	if response["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got '%v'", response["status"])
	}
	checks, _ := response["checks"].(map[string]any)
	if checks["redis"] != "unreachable" || checks["database"] != "ok" {
		t.Errorf("Unexpected checks %v", checks)
	}
}
