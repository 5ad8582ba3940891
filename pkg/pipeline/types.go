// Package pipeline defines the pipeline file format and the runner that
// executes a pipeline end to end: policy lint, secret loading, inventory
// resolution, and task application.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convoy-run/convoy/pkg/tasks"
)

// Duration is a time.Duration that unmarshals from strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Pipeline is one deployment pipeline definition.
type Pipeline struct {
	// Name identifies the pipeline in history and logs.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Trigger controls when the pipeline runs.
	Trigger TriggerSpec `yaml:"trigger" json:"trigger"`

	// Secrets lists the secret names the run requires. They are resolved
	// through the configured secret sources before any stage that needs
	// them.
	Secrets []string `yaml:"secrets" json:"secrets"`

	// Inventory describes how target hosts are resolved.
	Inventory InventorySpec `yaml:"inventory" json:"inventory" validate:"required"`

	// SSH is the connection configuration shared by all hosts.
	SSH SSHSpec `yaml:"ssh" json:"ssh" validate:"required"`

	// Forks is the number of hosts applied in parallel.
	Forks int `yaml:"forks" json:"forks" validate:"gte=0"`

	// Timeout bounds the whole run. Zero means no limit.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// Tasks are applied to every resolved host, in order.
	Tasks []TaskSpec `yaml:"tasks" json:"tasks" validate:"required,min=1,dive"`

	// dir is where the pipeline file lives; relative src paths in file
	// tasks resolve against it.
	dir string
}

// TriggerSpec controls when a pipeline runs.
type TriggerSpec struct {
	// Webhook enables the push-webhook trigger.
	Webhook bool `yaml:"webhook" json:"webhook"`

	// Branch restricts webhook runs to pushes on this branch.
	Branch string `yaml:"branch" json:"branch"`

	// Secret names the webhook signing secret in the secret sources.
	Secret string `yaml:"secret" json:"secret"`
}

// InventorySpec describes how target hosts are resolved.
type InventorySpec struct {
	// Provider selects the resolver: ec2 or static.
	Provider string `yaml:"provider" json:"provider" validate:"required,oneof=ec2 static"`

	// Region is the cloud region to query. Required for ec2.
	Region string `yaml:"region" json:"region"`

	// Tags filter instances server-side; a host must match every key.
	Tags map[string][]string `yaml:"tags" json:"tags"`

	// Hosts is the static host list for the static provider.
	Hosts []StaticHostSpec `yaml:"hosts" json:"hosts"`

	// CacheTTL reuses a previously resolved inventory younger than this.
	CacheTTL Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// PreferPrivate selects private addresses even when public ones
	// exist.
	PreferPrivate bool `yaml:"prefer_private" json:"prefer_private"`
}

// StaticHostSpec is one host in a static inventory.
type StaticHostSpec struct {
	Address string            `yaml:"address" json:"address" validate:"required"`
	Name    string            `yaml:"name" json:"name"`
	Tags    map[string]string `yaml:"tags" json:"tags"`
}

// SSHSpec is the connection configuration shared by all hosts.
type SSHSpec struct {
	// User is the SSH username.
	User string `yaml:"user" json:"user" validate:"required"`

	// Port is the SSH port (default 22).
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// KeySecret names the private key in the secret sources.
	KeySecret string `yaml:"key_secret" json:"key_secret" validate:"required"`

	// StrictHostKeyChecking verifies host keys against KnownHosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// KnownHosts is the known_hosts file for strict checking.
	KnownHosts string `yaml:"known_hosts" json:"known_hosts"`
}

// TaskSpec is one task entry in the pipeline file.
type TaskSpec struct {
	// Name is the display name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Type selects the task: pkg.ensure, file.copy, svc.ensure.
	Type string `yaml:"type" json:"type" validate:"required,oneof=pkg.ensure file.copy svc.ensure"`

	// pkg.ensure fields.
	Packages []string `yaml:"packages" json:"packages,omitempty"`
	State    string   `yaml:"state" json:"state,omitempty"`

	// file.copy fields. Src is a path relative to the pipeline file;
	// Content is inline content. Exactly one of them is set.
	Src     string `yaml:"src" json:"src,omitempty"`
	Content string `yaml:"content" json:"content,omitempty"`
	Dest    string `yaml:"dest" json:"dest,omitempty"`
	Mode    string `yaml:"mode" json:"mode,omitempty"`
	Owner   string `yaml:"owner" json:"owner,omitempty"`

	// svc.ensure fields.
	Service string `yaml:"service" json:"service,omitempty"`
	Enabled *bool  `yaml:"enabled" json:"enabled,omitempty"`
}

// Dir returns the directory the pipeline file was loaded from.
func (p *Pipeline) Dir() string {
	return p.dir
}

// BuildTasks converts the task specs into executable tasks. File sources
// are read here so a missing source fails the run before any host is
// touched.
func (p *Pipeline) BuildTasks() ([]tasks.Task, error) {
	out := make([]tasks.Task, 0, len(p.Tasks))

	for i := range p.Tasks {
		spec := &p.Tasks[i]

		task, err := p.buildTask(spec)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}
		out = append(out, task)
	}

	return out, nil
}

func (p *Pipeline) buildTask(spec *TaskSpec) (tasks.Task, error) {
	switch spec.Type {
	case tasks.TypePackage:
		return &tasks.PackageTask{
			TaskName: spec.Name,
			Packages: spec.Packages,
			State:    spec.State,
		}, nil

	case tasks.TypeFile:
		content := []byte(spec.Content)
		if spec.Src != "" {
			if spec.Content != "" {
				return nil, fmt.Errorf("src and content are mutually exclusive")
			}
			data, err := os.ReadFile(filepath.Join(p.dir, spec.Src))
			if err != nil {
				return nil, fmt.Errorf("read src: %w", err)
			}
			content = data
		}

		mode, err := parseMode(spec.Mode)
		if err != nil {
			return nil, err
		}

		return &tasks.FileTask{
			TaskName: spec.Name,
			Dest:     spec.Dest,
			Content:  content,
			Mode:     mode,
			Owner:    spec.Owner,
		}, nil

	case tasks.TypeService:
		return &tasks.ServiceTask{
			TaskName: spec.Name,
			Service:  spec.Service,
			State:    spec.State,
			Enabled:  spec.Enabled,
		}, nil
	}

	return nil, fmt.Errorf("unknown task type: %s", spec.Type)
}

// parseMode parses an octal file mode like "0644".
func parseMode(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("mode is required")
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return uint32(mode), nil
}
