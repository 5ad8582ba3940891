// Package secrets resolves named credentials for a single pipeline run.
//
// Secrets are opaque strings injected into the run environment: cloud
// credentials for inventory resolution, the SSH private key for the
// transport, and the webhook shared secret for the trigger. They are never
// written to the store and render as "[redacted]" in logs and JSON output.
package secrets

import (
	"fmt"
	"sort"
)

// Well-known secret names consumed by the pipeline stages.
const (
	// AccessKeyID is the cloud access key used by the inventory resolver.
	AccessKeyID = "AWS_ACCESS_KEY_ID"

	// SecretAccessKey is the cloud secret key used by the inventory resolver.
	SecretAccessKey = "AWS_SECRET_ACCESS_KEY"

	// SSHPrivateKey is the PEM-encoded private key for host connections.
	SSHPrivateKey = "SSH_PRIVATE_KEY"

	// WebhookSecret is the shared secret for webhook signature verification.
	WebhookSecret = "WEBHOOK_SECRET"
)

// Secret is a named opaque value. The value is deliberately unexported;
// callers that need the raw material use Value().
type Secret struct {
	name   string
	value  string
	source string
}

// NewSecret creates a secret with the given name, value, and source label.
func NewSecret(name, value, source string) Secret {
	return Secret{name: name, value: value, source: source}
}

// Name returns the secret's name.
func (s Secret) Name() string { return s.name }

// Value returns the raw secret material.
func (s Secret) Value() string { return s.value }

// Source returns the label of the source that resolved this secret.
func (s Secret) Source() string { return s.source }

// String implements fmt.Stringer without leaking the value.
func (s Secret) String() string {
	return fmt.Sprintf("%s=[redacted]", s.name)
}

// MarshalJSON redacts the value when a secret ends up in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"name":%q,"value":"[redacted]","source":%q}`, s.name, s.source)), nil
}

// Source resolves secret values by name.
type Source interface {
	// Name identifies the source in diagnostics ("env", "file").
	Name() string

	// Lookup returns the value for a secret name. The second return value
	// reports whether the source had the secret at all; an error means the
	// source itself failed (unreadable file, bad permissions).
	Lookup(name string) (string, bool, error)
}

// Bundle holds the secrets resolved for one run.
type Bundle struct {
	secrets map[string]Secret
}

// Get returns the secret with the given name.
func (b *Bundle) Get(name string) (Secret, bool) {
	s, ok := b.secrets[name]
	return s, ok
}

// Value returns the raw value for a name, or empty string if absent.
func (b *Bundle) Value(name string) string {
	if s, ok := b.secrets[name]; ok {
		return s.value
	}
	return ""
}

// Has reports whether the bundle contains a secret with the given name.
func (b *Bundle) Has(name string) bool {
	_, ok := b.secrets[name]
	return ok
}

// Names returns the sorted names of all resolved secrets.
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.secrets))
	for name := range b.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader resolves a set of named secrets from an ordered source chain.
// The first source that has a secret wins.
type Loader struct {
	sources []Source
}

// NewLoader creates a loader consulting the given sources in order.
func NewLoader(sources ...Source) *Loader {
	return &Loader{sources: sources}
}

// Load resolves every requested name. A missing secret is an error: the
// run cannot proceed without its credentials.
func (l *Loader) Load(names []string) (*Bundle, error) {
	bundle := &Bundle{secrets: make(map[string]Secret, len(names))}

	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("secret name must not be empty")
		}

		resolved := false
		for _, src := range l.sources {
			value, ok, err := src.Lookup(name)
			if err != nil {
				return nil, fmt.Errorf("secret source %s failed for %s: %w", src.Name(), name, err)
			}
			if ok {
				bundle.secrets[name] = NewSecret(name, value, src.Name())
				resolved = true
				break
			}
		}

		if !resolved {
			return nil, &NotFoundError{SecretName: name, Sources: l.sourceNames()}
		}
	}

	return bundle, nil
}

// Probe reports, per requested name, which source would resolve it.
// Used by `convoy secrets check`; values are never returned.
func (l *Loader) Probe(names []string) map[string]string {
	result := make(map[string]string, len(names))
	for _, name := range names {
		result[name] = ""
		for _, src := range l.sources {
			if _, ok, err := src.Lookup(name); err == nil && ok {
				result[name] = src.Name()
				break
			}
		}
	}
	return result
}

func (l *Loader) sourceNames() []string {
	names := make([]string, len(l.sources))
	for i, src := range l.sources {
		names[i] = src.Name()
	}
	return names
}

// NotFoundError reports a secret that no source could resolve.
type NotFoundError struct {
	SecretName string
	Sources    []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %s not found in sources %v", e.SecretName, e.Sources)
}
