package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServerRoutes(t *testing.T) {
	hooked := false
	srv, err := NewServer(Options{
		Addr: ":0",
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hooked = true
			w.WriteHeader(http.StatusAccepted)
		}),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/hooks/push", http.StatusAccepted},
		{"/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
	}

	if !hooked {
		t.Error("webhook handler was not mounted")
	}
}

func TestServerStatusPage(t *testing.T) {
	srv, err := NewServer(Options{Addr: ":0"})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "Convoy") {
		t.Error("status page missing expected content")
	}
}

func TestStatusPageMatchesSampleSite(t *testing.T) {
	embedded, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		t.Fatalf("failed to read embedded page: %v", err)
	}
	sample, err := os.ReadFile(filepath.Join("..", "..", "examples", "site", "index.html"))
	if err != nil {
		t.Fatalf("failed to read sample site page: %v", err)
	}
	if !bytes.Equal(embedded, sample) {
		t.Error("the daemon's status page and the sample pipeline's source page must match")
	}
}

func TestServerHealthzFailure(t *testing.T) {
	srv, err := NewServer(Options{
		Addr:    ":0",
		Healthz: func(ctx context.Context) error { return fmt.Errorf("database unreachable") },
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestNewServerRequiresAddr(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatal("expected error for missing address")
	}
}
