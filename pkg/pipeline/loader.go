package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/convoy-run/convoy/pkg/tasks"
)

var validate = validator.New()

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline path: %w", err)
	}

	return Parse(data, filepath.Dir(abs))
}

// Parse decodes a pipeline definition. Unknown fields are rejected so a
// typo never silently drops configuration. dir anchors relative src
// paths in file tasks.
func Parse(data []byte, dir string) (*Pipeline, error) {
	p := &Pipeline{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	p.dir = dir
	p.applyDefaults()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// applyDefaults fills in the documented defaults.
func (p *Pipeline) applyDefaults() {
	if p.Forks == 0 {
		p.Forks = tasks.DefaultForks
	}
	if p.SSH.Port == 0 {
		p.SSH.Port = 22
	}
	for i := range p.Tasks {
		spec := &p.Tasks[i]
		if spec.Type == tasks.TypePackage && spec.State == "" {
			spec.State = tasks.PackageStatePresent
		}
	}
}

// Validate checks the pipeline definition beyond struct tags.
func (p *Pipeline) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, ve := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q validation", ve.Namespace(), ve.Tag()))
			}
			return fmt.Errorf("invalid pipeline: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	switch p.Inventory.Provider {
	case "ec2":
		if p.Inventory.Region == "" {
			return fmt.Errorf("invalid pipeline: inventory.region is required for the ec2 provider")
		}
	case "static":
		if len(p.Inventory.Hosts) == 0 {
			return fmt.Errorf("invalid pipeline: inventory.hosts is required for the static provider")
		}
	}

	if p.Trigger.Webhook && p.Trigger.Secret == "" {
		return fmt.Errorf("invalid pipeline: trigger.secret is required when the webhook trigger is enabled")
	}

	if p.SSH.StrictHostKeyChecking && p.SSH.KnownHosts == "" {
		return fmt.Errorf("invalid pipeline: ssh.known_hosts is required when strict host key checking is enabled")
	}

	for i := range p.Tasks {
		if err := p.validateTaskSpec(&p.Tasks[i]); err != nil {
			return fmt.Errorf("invalid pipeline: task %q: %w", p.Tasks[i].Name, err)
		}
	}

	return nil
}

func (p *Pipeline) validateTaskSpec(spec *TaskSpec) error {
	switch spec.Type {
	case tasks.TypePackage:
		if len(spec.Packages) == 0 {
			return fmt.Errorf("packages is required")
		}
	case tasks.TypeFile:
		if spec.Dest == "" {
			return fmt.Errorf("dest is required")
		}
		if spec.Src == "" && spec.Content == "" {
			return fmt.Errorf("src or content is required")
		}
		if spec.Src != "" && spec.Content != "" {
			return fmt.Errorf("src and content are mutually exclusive")
		}
		if spec.Mode == "" {
			return fmt.Errorf("mode is required")
		}
	case tasks.TypeService:
		if spec.Service == "" {
			return fmt.Errorf("service is required")
		}
	}
	return nil
}
