package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const pushPayload = `{
	"ref": "refs/heads/main",
	"after": "3f786850e387550fdab836ed7e6dc881de23001b",
	"repository": {"full_name": "acme/webapp"},
	"pusher": {"name": "alice"}
}`

func newTestHandler(t *testing.T, branch string, dispatch DispatchFunc) *WebhookHandler {
	t.Helper()
	h, err := NewWebhookHandler([]byte("hook-secret"), branch, dispatch, nil)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return h
}

func postPayload(h http.Handler, payload, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", strings.NewReader(payload))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookTriggersRun(t *testing.T) {
	var got RunRequest
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error {
		got = req
		return nil
	})

	sig := SignPayload([]byte("hook-secret"), []byte(pushPayload))
	rec := postPayload(h, pushPayload, sig)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Commit != "3f786850e387550fdab836ed7e6dc881de23001b" {
		t.Errorf("commit not extracted: %+v", got)
	}
	if got.Branch != "main" || got.Kind != "webhook" || got.Pusher != "alice" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/hooks/push", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Error("expected Allow header")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	dispatched := false
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error {
		dispatched = true
		return nil
	})

	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"wrong secret", SignPayload([]byte("other-secret"), []byte(pushPayload))},
		{"malformed", "sha256=zznothex"},
		{"wrong scheme", "sha1=deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postPayload(h, pushPayload, tt.sig)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}

	if dispatched {
		t.Error("rejected delivery must not dispatch a run")
	}
}

func TestWebhookIgnoresOtherBranch(t *testing.T) {
	dispatched := false
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error {
		dispatched = true
		return nil
	})

	payload := strings.Replace(pushPayload, "refs/heads/main", "refs/heads/feature/x", 1)
	sig := SignPayload([]byte("hook-secret"), []byte(payload))
	rec := postPayload(h, payload, sig)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 for ignored branch, got %d", rec.Code)
	}
	if dispatched {
		t.Error("ignored branch must not dispatch a run")
	}
}

func TestWebhookBusy(t *testing.T) {
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error {
		return ErrBusy
	})

	sig := SignPayload([]byte("hook-secret"), []byte(pushPayload))
	rec := postPayload(h, pushPayload, sig)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", rec.Code)
	}
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	h := newTestHandler(t, "main", func(ctx context.Context, req RunRequest) error { return nil })

	payload := "{not json"
	sig := SignPayload([]byte("hook-secret"), []byte(payload))
	rec := postPayload(h, payload, sig)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPushEventBranch(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"refs/heads/main", "main"},
		{"refs/heads/feature/login", "feature/login"},
		{"refs/tags/v1.0.0", ""},
		{"", ""},
	}

	for _, tt := range tests {
		e := &PushEvent{Ref: tt.ref}
		if got := e.Branch(); got != tt.want {
			t.Errorf("Branch(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestDispatcherSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	d := NewDispatcher(func(ctx context.Context, req RunRequest) error {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return nil
	})

	if err := d.Dispatch(context.Background(), RunRequest{Kind: "webhook"}); err != nil {
		t.Fatalf("first dispatch must succeed: %v", err)
	}

	// Wait for the run goroutine to start.
	deadline := time.After(time.Second)
	for !d.Busy() {
		select {
		case <-deadline:
			t.Fatal("dispatcher never became busy")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := d.Dispatch(context.Background(), RunRequest{Kind: "webhook"}); err != ErrBusy {
		t.Errorf("expected ErrBusy while a run is in flight, got %v", err)
	}

	close(release)

	deadline = time.After(time.Second)
	for d.Busy() {
		select {
		case <-deadline:
			t.Fatal("dispatcher never became idle")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := d.Dispatch(context.Background(), RunRequest{Kind: "webhook"}); err != nil {
		t.Errorf("dispatch after completion must succeed: %v", err)
	}

	// The run executes on a detached goroutine; wait for it to land.
	deadline = time.After(time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 runs, got %d", n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNewWebhookHandlerValidation(t *testing.T) {
	if _, err := NewWebhookHandler(nil, "main", func(ctx context.Context, req RunRequest) error { return nil }, nil); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewWebhookHandler([]byte("s"), "main", nil, nil); err == nil {
		t.Error("expected error for nil dispatch")
	}
}
