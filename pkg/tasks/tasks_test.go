package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"
)

// fakeTransport scripts remote command responses by substring match and
// records every command and upload.
type fakeTransport struct {
	addr       string
	connectErr error
	responses  map[string]string
	commands   []string
	sudo       []string
	uploads    map[string][]byte
	checksums  map[string]string
	connected  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		addr:      "10.0.0.1:22",
		responses: map[string]string{},
		uploads:   map[string][]byte{},
		checksums: map[string]string{},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error     { f.connected = false; return nil }
func (f *fakeTransport) IsConnected() bool { return f.connected }
func (f *fakeTransport) Address() string   { return f.addr }

func (f *fakeTransport) Run(ctx context.Context, cmd string) (string, string, error) {
	f.commands = append(f.commands, cmd)
	for substr, out := range f.responses {
		if strings.Contains(cmd, substr) {
			return out, "", nil
		}
	}
	return "", "", nil
}

func (f *fakeTransport) RunSudo(ctx context.Context, cmd string) (string, string, error) {
	f.sudo = append(f.sudo, cmd)
	for substr, out := range f.responses {
		if strings.Contains(cmd, substr) {
			if out == "FAIL" {
				return "", "unit not found", fmt.Errorf("command exited with code 1")
			}
			return out, "", nil
		}
	}
	return "", "", nil
}

func (f *fakeTransport) Upload(ctx context.Context, content io.Reader, remotePath string, mode uint32) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.uploads[remotePath] = data
	sum := sha256.Sum256(data)
	f.checksums[remotePath] = hex.EncodeToString(sum[:])
	return nil
}

func (f *fakeTransport) Chmod(ctx context.Context, remotePath string, mode uint32) error {
	f.commands = append(f.commands, fmt.Sprintf("chmod %o %s", mode, remotePath))
	return nil
}

func (f *fakeTransport) Chown(ctx context.Context, remotePath string, owner string) error {
	f.sudo = append(f.sudo, fmt.Sprintf("chown %s %s", owner, remotePath))
	return nil
}

func (f *fakeTransport) Checksum(ctx context.Context, remotePath string) (string, error) {
	return f.checksums[remotePath], nil
}

func TestPackageTaskAlreadyPresent(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["for m in"] = "apt-get\n"
	tr.responses["dpkg-query"] = "yes\n"

	task := &PackageTask{Packages: []string{"nginx"}, State: PackageStatePresent}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Changed {
		t.Error("converged host must report Changed=false")
	}
	if result.Action != "already_present" {
		t.Errorf("Action = %q", result.Action)
	}
	if len(tr.sudo) != 0 {
		t.Errorf("no mutation expected, got %v", tr.sudo)
	}
}

func TestPackageTaskInstalls(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["for m in"] = "apt-get\n"
	tr.responses["dpkg-query"] = "no\n"

	task := &PackageTask{Packages: []string{"nginx", "curl"}, State: PackageStatePresent}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Changed {
		t.Error("expected Changed=true")
	}
	if result.Action != "installed" {
		t.Errorf("Action = %q", result.Action)
	}
	if len(tr.sudo) != 1 || !strings.Contains(tr.sudo[0], "apt-get install -y nginx curl") {
		t.Errorf("unexpected install command: %v", tr.sudo)
	}
}

func TestPackageTaskUnsupportedManager(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["for m in"] = "\n"

	task := &PackageTask{Packages: []string{"nginx"}, State: PackageStatePresent}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Failed() {
		t.Error("expected failure when no package manager found")
	}
}

func TestPackageTaskValidate(t *testing.T) {
	tests := []struct {
		name string
		task PackageTask
		ok   bool
	}{
		{"valid", PackageTask{Packages: []string{"nginx"}, State: "present"}, true},
		{"no packages", PackageTask{State: "present"}, false},
		{"empty name", PackageTask{Packages: []string{""}, State: "present"}, false},
		{"missing state", PackageTask{Packages: []string{"nginx"}}, false},
		{"bad state", PackageTask{Packages: []string{"nginx"}, State: "pinned"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFileTaskCreates(t *testing.T) {
	tr := newFakeTransport()

	task := &FileTask{Dest: "/srv/www/index.html", Content: []byte("<html></html>"), Mode: 0o644}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Changed || result.Action != "created" {
		t.Errorf("expected created, got %+v", result)
	}
	if string(tr.uploads["/srv/www/index.html"]) != "<html></html>" {
		t.Error("content not uploaded")
	}
}

func TestFileTaskConverged(t *testing.T) {
	tr := newFakeTransport()
	content := []byte("server { listen 80; }")
	sum := sha256.Sum256(content)
	tr.checksums["/etc/nginx/conf.d/site.conf"] = hex.EncodeToString(sum[:])
	tr.responses["stat -c"] = "644\n"

	task := &FileTask{
		Dest:    "/etc/nginx/conf.d/site.conf",
		Content: content,
		Mode:    0o644,
		Owner:   "root:root",
	}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Changed {
		t.Error("matching checksum and mode must report Changed=false")
	}
	if result.Action != "already_present" {
		t.Errorf("expected already_present, got %s", result.Action)
	}
	if len(tr.uploads) != 0 {
		t.Error("converged file must not be re-uploaded")
	}
}

func TestFileTaskModeDrift(t *testing.T) {
	tr := newFakeTransport()
	content := []byte("welcome")
	sum := sha256.Sum256(content)
	tr.checksums["/etc/motd"] = hex.EncodeToString(sum[:])
	tr.responses["stat -c"] = "600\n"

	task := &FileTask{Dest: "/etc/motd", Content: content, Mode: 0o644}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Changed || result.Action != "mode_updated" {
		t.Errorf("expected mode_updated with Changed=true, got %+v", result)
	}
	if len(tr.uploads) != 0 {
		t.Error("converged content must not be re-uploaded")
	}

	chmodded := false
	for _, cmd := range tr.commands {
		if strings.Contains(cmd, "chmod 644 /etc/motd") {
			chmodded = true
		}
	}
	if !chmodded {
		t.Errorf("expected a chmod, commands: %v", tr.commands)
	}
}

func TestFileTaskUpdates(t *testing.T) {
	tr := newFakeTransport()
	tr.checksums["/etc/motd"] = strings.Repeat("0", 64)

	task := &FileTask{Dest: "/etc/motd", Content: []byte("welcome"), Mode: 0o644}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Changed || result.Action != "updated" {
		t.Errorf("expected updated, got %+v", result)
	}
}

func TestFileTaskValidate(t *testing.T) {
	tests := []struct {
		name string
		task FileTask
		ok   bool
	}{
		{"valid", FileTask{Dest: "/etc/motd", Mode: 0o644}, true},
		{"missing dest", FileTask{Mode: 0o644}, false},
		{"relative dest", FileTask{Dest: "etc/motd", Mode: 0o644}, false},
		{"missing mode", FileTask{Dest: "/etc/motd"}, false},
		{"world writable", FileTask{Dest: "/etc/motd", Mode: 0o666}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestServiceTaskAlreadyRunning(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["is-active"] = "active\n"

	task := &ServiceTask{Service: "nginx", State: ServiceStateStarted}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Changed {
		t.Error("running service must report Changed=false")
	}
	if len(tr.sudo) != 0 {
		t.Errorf("no systemctl mutation expected, got %v", tr.sudo)
	}
}

func TestServiceTaskStartsAndEnables(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["is-active"] = "inactive\n"
	tr.responses["is-enabled"] = "disabled\n"

	enabled := true
	task := &ServiceTask{Service: "nginx", State: ServiceStateStarted, Enabled: &enabled}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Changed {
		t.Error("expected Changed=true")
	}
	if result.Action != "started,enabled" {
		t.Errorf("Action = %q", result.Action)
	}
}

func TestServiceTaskRestartAlwaysChanges(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["is-active"] = "active\n"

	task := &ServiceTask{Service: "nginx", State: ServiceStateRestarted}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Changed || result.Action != "restarted" {
		t.Errorf("expected restarted, got %+v", result)
	}
}

func TestServiceTaskFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.responses["is-active"] = "inactive\n"
	tr.responses["systemctl start"] = "FAIL"

	task := &ServiceTask{Service: "ghost", State: ServiceStateStarted}
	result, err := task.Apply(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Failed() {
		t.Error("expected task failure")
	}
}
