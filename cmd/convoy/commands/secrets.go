package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Inspect the pipeline's secrets",
	}
	cmd.AddCommand(newSecretsCheckCommand())
	return cmd
}

func newSecretsCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the pipeline's secrets resolve",
		Long: `Check that every secret the pipeline names can be resolved from the
configured sources. Values are never printed, only the source each
secret resolves from.

Sources are consulted in order: environment variables first, then the
--secrets-file if one is set.`,
		Example: `  # Check secrets against the environment
  convoy secrets check

  # Check against a secrets file too
  convoy secrets check --secrets-file /etc/convoy/secrets.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(p.Secrets)+2)
			names = append(names, p.Secrets...)
			if p.SSH.KeySecret != "" {
				names = append(names, p.SSH.KeySecret)
			}
			if p.Trigger.Webhook && p.Trigger.Secret != "" {
				names = append(names, p.Trigger.Secret)
			}

			seen := make(map[string]bool, len(names))
			loader := newSecretsLoader()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tSOURCE")
			missing := 0
			for _, name := range names {
				if seen[name] {
					continue
				}
				seen[name] = true

				bundle, err := loader.Load([]string{name})
				if err != nil {
					fmt.Fprintf(w, "%s\tmissing\t-\n", name)
					missing++
					continue
				}
				s, _ := bundle.Get(name)
				fmt.Fprintf(w, "%s\tok\t%s\n", name, s.Source())
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if missing > 0 {
				return fmt.Errorf("%d secret(s) could not be resolved", missing)
			}
			return nil
		},
	}

	return cmd
}
