// Package trigger starts pipeline runs from push webhooks and pipeline
// file changes.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/convoy-run/convoy/pkg/telemetry"
)

// ErrBusy is returned when a run is already in flight.
var ErrBusy = errors.New("a run is already in flight")

// maxPayloadBytes bounds webhook request bodies.
const maxPayloadBytes = 1 << 20

// signatureHeader carries the HMAC-SHA256 payload signature.
const signatureHeader = "X-Hub-Signature-256"

// PushEvent is the subset of a push webhook payload the trigger uses.
type PushEvent struct {
	// Ref is the full ref that was pushed, e.g. "refs/heads/main".
	Ref string `json:"ref"`

	// After is the commit SHA the ref now points to.
	After string `json:"after"`

	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`

	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// Branch extracts the branch name from the pushed ref, or empty for
// non-branch refs.
func (e *PushEvent) Branch() string {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(e.Ref, prefix) {
		return ""
	}
	return strings.TrimPrefix(e.Ref, prefix)
}

// RunRequest asks the dispatcher to start one run.
type RunRequest struct {
	Kind   string
	Commit string
	Branch string
	Pusher string
}

// DispatchFunc starts a run. It returns ErrBusy when a run is already in
// flight so the caller can report 409.
type DispatchFunc func(ctx context.Context, req RunRequest) error

// WebhookHandler validates push webhooks and dispatches runs.
type WebhookHandler struct {
	secret   []byte
	branch   string
	dispatch DispatchFunc
	metrics  *telemetry.Metrics
}

// NewWebhookHandler creates the handler. secret signs payloads; branch
// restricts which pushes trigger (empty accepts any branch).
func NewWebhookHandler(secret []byte, branch string, dispatch DispatchFunc, metrics *telemetry.Metrics) (*WebhookHandler, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch function is required")
	}
	return &WebhookHandler{
		secret:   secret,
		branch:   branch,
		dispatch: dispatch,
		metrics:  metrics,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature verification failed")
		h.record("rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.record("rejected")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	branch := event.Branch()
	if h.branch != "" && branch != h.branch {
		log.Debug().
			Str("ref", event.Ref).
			Str("want_branch", h.branch).
			Msg("ignoring push for non-target branch")
		h.record("ignored")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "ignoring push to %q\n", branch)
		return
	}

	req := RunRequest{
		Kind:   "webhook",
		Commit: event.After,
		Branch: branch,
		Pusher: event.Pusher.Name,
	}

	if err := h.dispatch(r.Context(), req); err != nil {
		if errors.Is(err, ErrBusy) {
			h.record("busy")
			http.Error(w, "a run is already in flight", http.StatusConflict)
			return
		}
		log.Error().Err(err).Msg("failed to dispatch run")
		h.record("rejected")
		http.Error(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("commit", event.After).
		Str("branch", branch).
		Str("pusher", event.Pusher.Name).
		Msg("webhook accepted, run dispatched")
	h.record("triggered")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "run dispatched")
}

// verifySignature checks the sha256= HMAC header against the body.
func (h *WebhookHandler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignPayload computes the signature header value for a payload. Used by
// tests and the docs examples.
func SignPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookDelivery(outcome)
	}
}

// Dispatcher serializes runs: while one is in flight every new request
// is refused with ErrBusy rather than queued, so a burst of pushes
// collapses into the run already going plus at most one retry by the
// sender.
type Dispatcher struct {
	mu   sync.Mutex
	busy bool
	run  func(ctx context.Context, req RunRequest) error
}

// NewDispatcher wraps a run function with single-flight semantics.
func NewDispatcher(run func(ctx context.Context, req RunRequest) error) *Dispatcher {
	return &Dispatcher{run: run}
}

// Dispatch starts the run if none is in flight. The run executes on a
// background goroutine detached from the request's cancellation so it
// outlives the webhook response.
func (d *Dispatcher) Dispatch(ctx context.Context, req RunRequest) error {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return ErrBusy
	}
	d.busy = true
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			d.mu.Lock()
			d.busy = false
			d.mu.Unlock()
		}()

		if err := d.run(runCtx, req); err != nil {
			log.Error().Err(err).Str("commit", req.Commit).Msg("run failed")
		}
	}()

	return nil
}

// Busy reports whether a run is currently in flight.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}
