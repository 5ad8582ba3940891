package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convoy-run/convoy/pkg/tasks"
)

const validPipeline = `
name: deploy-web
trigger:
  webhook: true
  branch: main
  secret: WEBHOOK_SECRET
secrets:
  - SSH_PRIVATE_KEY
inventory:
  provider: ec2
  region: eu-west-1
  tags:
    role: [web]
ssh:
  user: deploy
  key_secret: SSH_PRIVATE_KEY
tasks:
  - name: install nginx
    type: pkg.ensure
    packages: [nginx]
  - name: copy index
    type: file.copy
    dest: /srv/www/index.html
    content: "<html></html>"
    mode: "0644"
  - name: nginx running
    type: svc.ensure
    service: nginx
    state: started
    enabled: true
`

func TestParseValidPipeline(t *testing.T) {
	p, err := Parse([]byte(validPipeline), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Name != "deploy-web" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Inventory.Provider != "ec2" || p.Inventory.Region != "eu-west-1" {
		t.Errorf("unexpected inventory: %+v", p.Inventory)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(p.Tasks))
	}

	// Defaults.
	if p.Forks != tasks.DefaultForks {
		t.Errorf("expected default forks, got %d", p.Forks)
	}
	if p.SSH.Port != 22 {
		t.Errorf("expected default port 22, got %d", p.SSH.Port)
	}
	if p.Tasks[0].State != tasks.PackageStatePresent {
		t.Errorf("expected default package state, got %q", p.Tasks[0].State)
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte(validPipeline+"\nretries: 3\n"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(string) string
		errorMsg string
	}{
		{
			name:     "missing name",
			mutate:   func(s string) string { return strings.Replace(s, "name: deploy-web", "name: \"\"", 1) },
			errorMsg: "required",
		},
		{
			name:     "webhook without secret",
			mutate:   func(s string) string { return strings.Replace(s, "  secret: WEBHOOK_SECRET\n", "", 1) },
			errorMsg: "trigger.secret is required",
		},
		{
			name:     "ec2 without region",
			mutate:   func(s string) string { return strings.Replace(s, "  region: eu-west-1\n", "", 1) },
			errorMsg: "inventory.region is required",
		},
		{
			name:     "unsupported provider",
			mutate:   func(s string) string { return strings.Replace(s, "provider: ec2", "provider: gcp", 1) },
			errorMsg: "oneof",
		},
		{
			name:     "file task without mode",
			mutate:   func(s string) string { return strings.Replace(s, "    mode: \"0644\"\n", "", 1) },
			errorMsg: "mode is required",
		},
		{
			name: "file task with src and content",
			mutate: func(s string) string {
				return strings.Replace(s, "    content: \"<html></html>\"\n",
					"    content: \"<html></html>\"\n    src: web/index.html\n", 1)
			},
			errorMsg: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validPipeline)), t.TempDir())
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestParseStaticProvider(t *testing.T) {
	src := strings.Replace(validPipeline,
		"  provider: ec2\n  region: eu-west-1\n  tags:\n    role: [web]",
		"  provider: static\n  hosts:\n    - address: 10.0.0.1\n      tags: {role: web}", 1)

	p, err := Parse([]byte(src), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Inventory.Hosts) != 1 || p.Inventory.Hosts[0].Address != "10.0.0.1" {
		t.Errorf("unexpected hosts: %+v", p.Inventory.Hosts)
	}

	// Static without hosts is rejected.
	empty := strings.Replace(validPipeline,
		"  provider: ec2\n  region: eu-west-1\n  tags:\n    role: [web]",
		"  provider: static", 1)
	if _, err := Parse([]byte(empty), t.TempDir()); err == nil {
		t.Error("expected error for static provider without hosts")
	}
}

func TestBuildTasks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	src := strings.Replace(validPipeline,
		"    content: \"<html></html>\"\n", "    src: index.html\n", 1)
	p, err := Parse([]byte(src), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	built, err := p.BuildTasks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(built) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(built))
	}

	fileTask, ok := built[1].(*tasks.FileTask)
	if !ok {
		t.Fatalf("expected FileTask, got %T", built[1])
	}
	if string(fileTask.Content) != "<h1>hi</h1>" {
		t.Errorf("src content not read: %q", fileTask.Content)
	}
	if fileTask.Mode != 0o644 {
		t.Errorf("mode not parsed: %o", fileTask.Mode)
	}
}

func TestBuildTasksMissingSrc(t *testing.T) {
	src := strings.Replace(validPipeline,
		"    content: \"<html></html>\"\n", "    src: missing.html\n", 1)
	p, err := Parse([]byte(src), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.BuildTasks(); err == nil {
		t.Fatal("expected error for missing src file")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0644", 0o644, false},
		{"644", 0o644, false},
		{"0755", 0o755, false},
		{"", 0, true},
		{"rw-r--r--", 0, true},
		{"0999", 0, true},
	}

	for _, tt := range tests {
		got, err := parseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMode(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMode(%q) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(validPipeline), 0o644); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", p.Dir(), dir)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
