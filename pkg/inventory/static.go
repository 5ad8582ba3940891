package inventory

import (
	"context"
	"fmt"
)

// StaticResolver serves a fixed host list from the pipeline file, filtered
// with the same tag semantics as the dynamic resolvers. Intended for labs
// and tests where no cloud provider is available.
type StaticResolver struct {
	hosts []Host
}

// NewStaticResolver creates a resolver over the given hosts. Hosts without
// an ID get a synthetic one derived from their address.
func NewStaticResolver(hosts []Host) *StaticResolver {
	out := make([]Host, len(hosts))
	copy(out, hosts)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("static-%s", out[i].Address)
		}
	}
	return &StaticResolver{hosts: out}
}

// Name implements Resolver.
func (r *StaticResolver) Name() string { return "static" }

// Resolve implements Resolver. The region is ignored for static hosts.
func (r *StaticResolver) Resolve(ctx context.Context, filter Filter) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := make([]Host, 0, len(r.hosts))
	for _, host := range r.hosts {
		if host.Address == "" {
			return nil, &ResolveError{
				Provider: r.Name(),
				Err:      fmt.Errorf("static host %s has no address", host.ID),
			}
		}
		if filter.Matches(host.Tags) {
			matched = append(matched, host)
		}
	}
	return matched, nil
}
