package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// Service states.
const (
	ServiceStateStarted   = "started"
	ServiceStateStopped   = "stopped"
	ServiceStateRestarted = "restarted"
	ServiceStateReloaded  = "reloaded"
)

// ServiceTask manages a systemd unit.
type ServiceTask struct {
	// TaskName is the display name from the pipeline definition.
	TaskName string

	// Service is the systemd unit name.
	Service string

	// State is the desired state: started, stopped, restarted, reloaded.
	State string

	// Enabled, when set, also manages the unit's boot enablement.
	Enabled *bool
}

// Name implements Task.
func (t *ServiceTask) Name() string {
	if t.TaskName != "" {
		return t.TaskName
	}
	return "ensure service " + t.Service
}

// Type implements Task.
func (t *ServiceTask) Type() string { return TypeService }

// Validate implements Task.
func (t *ServiceTask) Validate() error {
	if t.Service == "" {
		return fmt.Errorf("service name is required")
	}
	switch t.State {
	case ServiceStateStarted, ServiceStateStopped, ServiceStateRestarted, ServiceStateReloaded:
	case "":
		if t.Enabled == nil {
			return fmt.Errorf("state or enabled is required")
		}
	default:
		return fmt.Errorf("invalid service state: %s", t.State)
	}
	return nil
}

// Apply implements Task. Start and stop are skipped when the unit is
// already in the desired state; restart and reload always act.
func (t *ServiceTask) Apply(ctx context.Context, tr transport.Transport) (*Result, error) {
	start := time.Now()
	result := newResult(t)
	defer func() { result.Duration = time.Since(start) }()

	active, err := isServiceActive(ctx, tr, t.Service)
	if err != nil {
		return result.failf("query service %s: %v", t.Service, err), nil
	}

	var actions []string

	switch t.State {
	case ServiceStateStarted:
		if !active {
			if err := systemctl(ctx, tr, "start", t.Service); err != nil {
				return result.failf("start %s: %v", t.Service, err), nil
			}
			actions = append(actions, "started")
		}
	case ServiceStateStopped:
		if active {
			if err := systemctl(ctx, tr, "stop", t.Service); err != nil {
				return result.failf("stop %s: %v", t.Service, err), nil
			}
			actions = append(actions, "stopped")
		}
	case ServiceStateRestarted:
		if err := systemctl(ctx, tr, "restart", t.Service); err != nil {
			return result.failf("restart %s: %v", t.Service, err), nil
		}
		actions = append(actions, "restarted")
	case ServiceStateReloaded:
		if err := systemctl(ctx, tr, "reload", t.Service); err != nil {
			return result.failf("reload %s: %v", t.Service, err), nil
		}
		actions = append(actions, "reloaded")
	}

	if t.Enabled != nil {
		enabled, err := isServiceEnabled(ctx, tr, t.Service)
		if err != nil {
			return result.failf("query enablement of %s: %v", t.Service, err), nil
		}
		if *t.Enabled && !enabled {
			if err := systemctl(ctx, tr, "enable", t.Service); err != nil {
				return result.failf("enable %s: %v", t.Service, err), nil
			}
			actions = append(actions, "enabled")
		}
		if !*t.Enabled && enabled {
			if err := systemctl(ctx, tr, "disable", t.Service); err != nil {
				return result.failf("disable %s: %v", t.Service, err), nil
			}
			actions = append(actions, "disabled")
		}
	}

	if len(actions) == 0 {
		result.Action = "already_converged"
		return result, nil
	}

	result.Changed = true
	result.Action = strings.Join(actions, ",")
	return result, nil
}

func isServiceActive(ctx context.Context, tr transport.Transport, name string) (bool, error) {
	stdout, _, err := tr.Run(ctx, fmt.Sprintf("systemctl is-active %s 2>/dev/null || true", name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) == "active", nil
}

func isServiceEnabled(ctx context.Context, tr transport.Transport, name string) (bool, error) {
	stdout, _, err := tr.Run(ctx, fmt.Sprintf("systemctl is-enabled %s 2>/dev/null || true", name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) == "enabled", nil
}

func systemctl(ctx context.Context, tr transport.Transport, verb, name string) error {
	_, stderr, err := tr.RunSudo(ctx, fmt.Sprintf("systemctl %s %s", verb, name))
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}
