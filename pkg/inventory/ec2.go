package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/convoy-run/convoy/pkg/secrets"
)

// authErrorCodes are the EC2 API error codes that indicate rejected
// credentials rather than a transient failure.
var authErrorCodes = map[string]bool{
	"AuthFailure":           true,
	"UnauthorizedOperation": true,
	"InvalidClientTokenId":  true,
	"SignatureDoesNotMatch": true,
}

// EC2Resolver resolves hosts from EC2 DescribeInstances using server-side
// tag filters.
type EC2Resolver struct {
	client ec2.DescribeInstancesAPIClient

	// preferPrivate selects the private address even when a public one
	// exists (for runs from inside the VPC).
	preferPrivate bool
}

// NewEC2Resolver builds a resolver for the given region with credentials
// taken from the run's secret bundle. When the bundle carries no cloud
// credentials the ambient AWS credential chain is used.
func NewEC2Resolver(ctx context.Context, region string, bundle *secrets.Bundle, preferPrivate bool) (*EC2Resolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if bundle != nil && bundle.Has(secrets.AccessKeyID) {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				bundle.Value(secrets.AccessKeyID),
				bundle.Value(secrets.SecretAccessKey),
				"",
			),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Resolver{
		client:        ec2.NewFromConfig(cfg),
		preferPrivate: preferPrivate,
	}, nil
}

// NewEC2ResolverWithClient builds a resolver over an existing API client.
func NewEC2ResolverWithClient(client ec2.DescribeInstancesAPIClient, preferPrivate bool) *EC2Resolver {
	return &EC2Resolver{client: client, preferPrivate: preferPrivate}
}

// Name implements Resolver.
func (r *EC2Resolver) Name() string { return "ec2" }

// Resolve implements Resolver. Only running instances are returned; the
// tag filter is pushed down to the API so large fleets are not paged
// through client-side.
func (r *EC2Resolver) Resolve(ctx context.Context, filter Filter) ([]Host, error) {
	if err := filter.Validate(); err != nil {
		return nil, &ResolveError{Provider: r.Name(), Err: err}
	}

	input := &ec2.DescribeInstancesInput{
		Filters: buildEC2Filters(filter),
	}

	hosts := []Host{}
	paginator := ec2.NewDescribeInstancesPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &ResolveError{
				Provider:    r.Name(),
				Err:         err,
				IsAuthError: isEC2AuthError(err),
			}
		}

		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				host, ok := r.hostFromInstance(instance)
				if !ok {
					log.Warn().
						Str("instance_id", stringValue(instance.InstanceId)).
						Msg("skipping instance without usable address")
					continue
				}
				hosts = append(hosts, host)
			}
		}
	}

	log.Debug().
		Str("filter", filter.String()).
		Int("hosts", len(hosts)).
		Msg("resolved EC2 inventory")

	return hosts, nil
}

// buildEC2Filters translates the inventory filter into API filters.
func buildEC2Filters(filter Filter) []ec2types.Filter {
	filters := []ec2types.Filter{
		{
			Name:   stringPtr("instance-state-name"),
			Values: []string{string(ec2types.InstanceStateNameRunning)},
		},
	}

	keys := make([]string, 0, len(filter.Tags))
	for key := range filter.Tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		filters = append(filters, ec2types.Filter{
			Name:   stringPtr("tag:" + key),
			Values: filter.Tags[key],
		})
	}

	return filters
}

// hostFromInstance maps an EC2 instance to a Host. The public address is
// preferred unless the resolver is configured for private addressing; an
// instance with neither is unusable.
func (r *EC2Resolver) hostFromInstance(instance ec2types.Instance) (Host, bool) {
	public := stringValue(instance.PublicIpAddress)
	private := stringValue(instance.PrivateIpAddress)

	address := public
	if r.preferPrivate || address == "" {
		address = private
	}
	if address == "" {
		return Host{}, false
	}

	tags := make(map[string]string, len(instance.Tags))
	name := ""
	for _, tag := range instance.Tags {
		key := stringValue(tag.Key)
		value := stringValue(tag.Value)
		tags[key] = value
		if key == "Name" {
			name = value
		}
	}

	return Host{
		ID:             stringValue(instance.InstanceId),
		Name:           name,
		Address:        address,
		PrivateAddress: private,
		Tags:           tags,
	}, true
}

// isEC2AuthError reports whether an API error indicates bad credentials.
func isEC2AuthError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return authErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

func stringPtr(s string) *string { return &s }

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
