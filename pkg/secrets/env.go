package secrets

import (
	"os"
	"strings"
)

// envPrefix is the namespaced form under which CI systems commonly inject
// pipeline secrets (CONVOY_SECRET_<NAME>).
const envPrefix = "CONVOY_SECRET_"

// EnvSource resolves secrets from the process environment. A name is looked
// up first in its namespaced form and then verbatim, so both
// CONVOY_SECRET_AWS_ACCESS_KEY_ID and AWS_ACCESS_KEY_ID work.
type EnvSource struct {
	// lookup is swappable for tests; defaults to os.LookupEnv.
	lookup func(string) (string, bool)
}

// NewEnvSource creates an environment-backed secret source.
func NewEnvSource() *EnvSource {
	return &EnvSource{lookup: os.LookupEnv}
}

// Name implements Source.
func (s *EnvSource) Name() string { return "env" }

// Lookup implements Source.
func (s *EnvSource) Lookup(name string) (string, bool, error) {
	key := envPrefix + normalizeEnvName(name)
	if value, ok := s.lookup(key); ok && value != "" {
		return value, true, nil
	}
	if value, ok := s.lookup(name); ok && value != "" {
		return value, true, nil
	}
	return "", false, nil
}

// normalizeEnvName maps a secret name to environment-variable form.
func normalizeEnvName(name string) string {
	name = strings.ToUpper(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name
}
