package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoy-run/convoy/pkg/inventory"
)

func newInventoryCommand() *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Resolve and print the pipeline's inventory",
		Long: `Resolve the pipeline's inventory and print the matching hosts
without applying anything.

For the ec2 provider this queries the configured region with the
pipeline's tag filters and lists running instances. For the static
provider it lists the declared hosts. With --cached the last resolved
inventory is read from the history database instead of the provider.`,
		Example: `  # Print the hosts the next run would target
  convoy inventory

  # Machine-readable output
  convoy inventory --json

  # Inspect what the last run resolved, without touching the provider
  convoy inventory --cached`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadPipeline()
			if err != nil {
				return err
			}

			filter := inventory.Filter{Region: p.Inventory.Region, Tags: p.Inventory.Tags}
			if p.Inventory.Provider == "static" && filter.Region == "" {
				filter.Region = "static"
			}

			if cached {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				entry, err := store.GetInventory(ctx, filter.String(), 0)
				if err != nil {
					return err
				}
				if entry == nil {
					fmt.Println("no cached inventory for this filter")
					return nil
				}
				var hosts []inventory.Host
				if err := json.Unmarshal([]byte(entry.Hosts), &hosts); err != nil {
					return fmt.Errorf("cached inventory is corrupt: %w", err)
				}
				log.Info().Str("filter", filter.String()).Time("resolved_at", entry.ResolvedAt).Msg("Cached inventory")
				return printHosts(hosts)
			}

			var resolver inventory.Resolver
			switch p.Inventory.Provider {
			case "ec2":
				bundle, err := newSecretsLoader().Load(p.Secrets)
				if err != nil {
					return err
				}
				resolver, err = inventory.NewEC2Resolver(ctx, p.Inventory.Region, bundle, p.Inventory.PreferPrivate)
				if err != nil {
					return err
				}
			case "static":
				hosts := make([]inventory.Host, 0, len(p.Inventory.Hosts))
				for _, h := range p.Inventory.Hosts {
					hosts = append(hosts, inventory.Host{Name: h.Name, Address: h.Address, Tags: h.Tags})
				}
				resolver = inventory.NewStaticResolver(hosts)
			default:
				return fmt.Errorf("unknown inventory provider: %s", p.Inventory.Provider)
			}

			log.Info().Str("provider", resolver.Name()).Str("filter", filter.String()).Msg("Resolving inventory")

			hosts, err := resolver.Resolve(ctx, filter)
			if err != nil {
				return err
			}
			return printHosts(hosts)
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "read the last resolved inventory from the database")

	return cmd
}

func printHosts(hosts []inventory.Host) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hosts)
	}

	if len(hosts) == 0 {
		fmt.Println("no hosts matched the filter")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPRIVATE")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.ID, h.Name, h.Address, h.PrivateAddress)
	}
	return w.Flush()
}
