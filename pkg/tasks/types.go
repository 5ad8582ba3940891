// Package tasks implements the idempotent configuration tasks a play
// applies to a host over its transport: package installation, file
// placement, and service state.
package tasks

import (
	"context"
	"fmt"
	"time"

	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// Task types as they appear in pipeline definitions.
const (
	TypePackage = "pkg.ensure"
	TypeFile    = "file.copy"
	TypeService = "svc.ensure"
)

// Result records the outcome of applying one task to one host.
type Result struct {
	// Task is the task's display name.
	Task string `json:"task"`

	// Type is the task type (pkg.ensure, file.copy, svc.ensure).
	Type string `json:"type"`

	// Changed is true when the task modified the host. A converged host
	// reports Changed=false for every task.
	Changed bool `json:"changed"`

	// Action describes what happened (e.g., "installed", "already_present").
	Action string `json:"action"`

	// Duration is how long the task took.
	Duration time.Duration `json:"duration"`

	// Error holds the failure message when the task failed.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the task failed.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Task is a single idempotent operation applied over a transport.
type Task interface {
	// Name returns the task's display name.
	Name() string

	// Type returns the task type identifier.
	Type() string

	// Validate checks the task's parameters before any host is touched.
	Validate() error

	// Apply brings the host to the desired state. It must be idempotent:
	// applying to an already-converged host reports Changed=false.
	Apply(ctx context.Context, t transport.Transport) (*Result, error)
}

// newResult starts a Result for a task; callers fill in the outcome.
func newResult(task Task) *Result {
	return &Result{Task: task.Name(), Type: task.Type()}
}

// failf finalizes a Result as failed.
func (r *Result) failf(format string, args ...interface{}) *Result {
	r.Error = fmt.Sprintf(format, args...)
	return r
}
