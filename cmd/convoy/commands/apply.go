package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoy-run/convoy/pkg/inventory"
	"github.com/convoy-run/convoy/pkg/pipeline"
	"github.com/convoy-run/convoy/pkg/secrets"
)

func newApplyCommand() *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the pipeline's tasks to explicit hosts",
		Long: `Apply the pipeline's tasks to an explicitly named host list,
skipping inventory resolution.

This is useful for converging a single new host, or for labs where the
cloud provider is out of reach. Everything else behaves like a normal
run: policy lint, secret loading, parallel application, and recording
in the history database.`,
		Example: `  # Converge two hosts directly
  convoy apply --host 10.0.0.5 --host 10.0.0.6

  # Converge one host with a specific pipeline
  convoy apply -f deploy/pipeline.yaml --host web-3.internal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(hosts) == 0 {
				return fmt.Errorf("at least one --host is required")
			}

			p, err := loadPipeline()
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			// The explicit hosts replace the pipeline's inventory; drop the
			// tag filter and the cache so neither interferes.
			p.Inventory.Tags = nil
			p.Inventory.CacheTTL = 0

			fixed := make([]inventory.Host, 0, len(hosts))
			for i, addr := range hosts {
				fixed = append(fixed, inventory.Host{
					ID:      fmt.Sprintf("manual-%d", i),
					Name:    addr,
					Address: addr,
				})
			}

			engine, err := newPolicyEngine()
			if err != nil {
				return err
			}
			runner, err := pipeline.NewRunner(pipeline.Options{
				Store:   store,
				Secrets: newSecretsLoader(),
				Policy:  engine,
				ResolverFactory: func(ctx context.Context, p *pipeline.Pipeline, bundle *secrets.Bundle) (inventory.Resolver, error) {
					return inventory.NewStaticResolver(fixed), nil
				},
			})
			if err != nil {
				return err
			}

			log.Info().Int("hosts", len(fixed)).Str("pipeline", p.Name).Msg("Applying to explicit hosts")

			run, runErr := runner.Run(ctx, p, pipeline.Trigger{Kind: "manual"})
			if run != nil {
				fmt.Printf("run %s: %s (%d hosts, %d changed, %d failed)\n",
					run.ID, run.Status, run.HostsTotal, run.HostsChanged, run.HostsFailed)
			}
			return runErr
		},
	}

	cmd.Flags().StringArrayVar(&hosts, "host", nil, "host address to converge (repeatable)")

	return cmd
}
