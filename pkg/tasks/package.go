package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// Package states.
const (
	PackageStatePresent = "present"
	PackageStateAbsent  = "absent"
	PackageStateLatest  = "latest"
)

// PackageTask ensures packages are in the desired state on the host.
type PackageTask struct {
	// TaskName is the display name from the pipeline definition.
	TaskName string

	// Packages are the package names to manage.
	Packages []string

	// State is the desired state: present, absent, or latest.
	State string

	// Manager overrides package manager detection (apt, dnf, yum, zypper).
	Manager string
}

// Name implements Task.
func (t *PackageTask) Name() string {
	if t.TaskName != "" {
		return t.TaskName
	}
	return "ensure packages " + strings.Join(t.Packages, ", ")
}

// Type implements Task.
func (t *PackageTask) Type() string { return TypePackage }

// Validate implements Task.
func (t *PackageTask) Validate() error {
	if len(t.Packages) == 0 {
		return fmt.Errorf("at least one package is required")
	}
	for _, name := range t.Packages {
		if name == "" {
			return fmt.Errorf("package name must not be empty")
		}
	}
	switch t.State {
	case PackageStatePresent, PackageStateAbsent, PackageStateLatest:
	case "":
		return fmt.Errorf("state is required")
	default:
		return fmt.Errorf("invalid package state: %s", t.State)
	}
	return nil
}

// Apply implements Task. The installed set is checked first so a
// converged host is never touched.
func (t *PackageTask) Apply(ctx context.Context, tr transport.Transport) (*Result, error) {
	start := time.Now()
	result := newResult(t)
	defer func() { result.Duration = time.Since(start) }()

	manager := t.Manager
	if manager == "" {
		detected, err := detectPackageManager(ctx, tr)
		if err != nil {
			return result.failf("detect package manager: %v", err), nil
		}
		manager = detected
	}

	var pending []string
	for _, name := range t.Packages {
		installed, err := isPackageInstalled(ctx, tr, manager, name)
		if err != nil {
			return result.failf("check package %s: %v", name, err), nil
		}

		switch t.State {
		case PackageStatePresent:
			if !installed {
				pending = append(pending, name)
			}
		case PackageStateAbsent:
			if installed {
				pending = append(pending, name)
			}
		case PackageStateLatest:
			pending = append(pending, name)
		}
	}

	if len(pending) == 0 {
		result.Action = "already_" + t.State
		return result, nil
	}

	cmd, err := packageCommand(manager, t.State, pending)
	if err != nil {
		return result.failf("%v", err), nil
	}
	if _, stderr, err := tr.RunSudo(ctx, cmd); err != nil {
		return result.failf("%s %s: %v: %s", manager, t.State, err, strings.TrimSpace(stderr)), nil
	}

	result.Changed = true
	switch t.State {
	case PackageStateAbsent:
		result.Action = "removed"
	case PackageStateLatest:
		result.Action = "upgraded"
	default:
		result.Action = "installed"
	}
	return result, nil
}

// detectPackageManager probes for a supported package manager on the host.
func detectPackageManager(ctx context.Context, tr transport.Transport) (string, error) {
	stdout, _, err := tr.Run(ctx,
		"for m in apt-get dnf yum zypper; do command -v $m >/dev/null 2>&1 && echo $m && break; done")
	if err != nil {
		return "", err
	}

	switch strings.TrimSpace(stdout) {
	case "apt-get":
		return "apt", nil
	case "dnf":
		return "dnf", nil
	case "yum":
		return "yum", nil
	case "zypper":
		return "zypper", nil
	}
	return "", fmt.Errorf("no supported package manager found")
}

// isPackageInstalled queries the package database without mutating it.
func isPackageInstalled(ctx context.Context, tr transport.Transport, manager, name string) (bool, error) {
	var query string
	switch manager {
	case "apt":
		query = fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null | grep -q 'install ok installed' && echo yes || echo no", name)
	case "dnf", "yum", "zypper":
		query = fmt.Sprintf("rpm -q %s >/dev/null 2>&1 && echo yes || echo no", name)
	default:
		return false, fmt.Errorf("unsupported package manager: %s", manager)
	}

	stdout, _, err := tr.Run(ctx, query)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) == "yes", nil
}

// packageCommand builds the mutation command for the pending set.
func packageCommand(manager, state string, packages []string) (string, error) {
	pkgList := strings.Join(packages, " ")

	var verb string
	switch state {
	case PackageStatePresent:
		verb = "install"
	case PackageStateAbsent:
		verb = "remove"
	case PackageStateLatest:
		if manager == "zypper" {
			verb = "update"
		} else {
			verb = "upgrade"
		}
	default:
		return "", fmt.Errorf("invalid package state: %s", state)
	}

	switch manager {
	case "apt":
		return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get %s -y %s", verb, pkgList), nil
	case "dnf", "yum", "zypper":
		return fmt.Sprintf("%s %s -y %s", manager, verb, pkgList), nil
	}
	return "", fmt.Errorf("unsupported package manager: %s", manager)
}
