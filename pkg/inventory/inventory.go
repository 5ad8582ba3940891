// Package inventory discovers the hosts a pipeline run applies to.
//
// Hosts are resolved fresh on every run from a cloud provider (dynamic
// inventory) or from a static list in the pipeline file. No host identity
// persists across runs; the store-backed cache exists only for operator
// inspection.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Host is a transiently discovered managed host.
type Host struct {
	// ID is the provider-assigned instance ID, or a synthetic ID for
	// static hosts.
	ID string `json:"id"`

	// Name is the human-readable host name (the Name tag when present).
	Name string `json:"name,omitempty"`

	// Address is the address the transport connects to.
	Address string `json:"address"`

	// PrivateAddress is the provider-internal address, if any.
	PrivateAddress string `json:"private_address,omitempty"`

	// Tags are the provider tags or static labels on the host.
	Tags map[string]string `json:"tags,omitempty"`
}

// Filter selects hosts by region and tag values. A host matches when, for
// every tag key in the filter, the host carries that key with one of the
// accepted values.
type Filter struct {
	// Region is the provider region to query.
	Region string `json:"region" yaml:"region"`

	// Tags maps a tag key to the set of accepted values.
	Tags map[string][]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Validate checks the filter for use with a dynamic resolver.
func (f Filter) Validate() error {
	if f.Region == "" {
		return fmt.Errorf("region is required")
	}
	for key, values := range f.Tags {
		if key == "" {
			return fmt.Errorf("tag filter key must not be empty")
		}
		if len(values) == 0 {
			return fmt.Errorf("tag filter %q has no accepted values", key)
		}
	}
	return nil
}

// Matches reports whether a host tag set satisfies the filter.
func (f Filter) Matches(tags map[string]string) bool {
	for key, accepted := range f.Tags {
		value, ok := tags[key]
		if !ok {
			return false
		}
		found := false
		for _, want := range accepted {
			if value == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String renders the filter for logs ("region=eu-west-1 tag:role=web|lb").
func (f Filter) String() string {
	parts := []string{"region=" + f.Region}
	keys := make([]string, 0, len(f.Tags))
	for key := range f.Tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("tag:%s=%s", key, strings.Join(f.Tags[key], "|")))
	}
	return strings.Join(parts, " ")
}

// Resolver discovers hosts matching a filter.
type Resolver interface {
	// Name identifies the resolver ("ec2", "static").
	Name() string

	// Resolve returns all hosts matching the filter. An empty result is
	// not an error.
	Resolve(ctx context.Context, filter Filter) ([]Host, error)
}

// ResolveError wraps a provider failure with classification.
type ResolveError struct {
	// Provider is the resolver name.
	Provider string

	// Err is the underlying provider error, surfaced verbatim.
	Err error

	// IsAuthError indicates the provider rejected the credentials.
	IsAuthError bool
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("inventory %s: %v", e.Provider, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
