package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoy-run/convoy/pkg/pipeline"
)

func newRunCommand() *cobra.Command {
	var (
		commit string
		branch string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline once",
		Long: `Execute the pipeline once, as if a push had arrived.

This command:
  - Lints the pipeline against the policy set
  - Loads the secrets the pipeline names
  - Resolves the inventory (EC2 or static)
  - Applies every task to every host in parallel
  - Records the run, per-host results, and events in the database

The exit code is non-zero when any host fails.`,
		Example: `  # Run the pipeline in the current directory
  convoy run

  # Run a specific pipeline with a commit annotation
  convoy run -f deploy/pipeline.yaml --commit 3f78685 --branch main

  # Refuse to run on policy violations
  convoy run --policy-mode enforcing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadPipeline()
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runner, err := newRunner(store, nil)
			if err != nil {
				return err
			}

			log.Info().Str("pipeline", p.Name).Msg("Starting manual run")

			run, runErr := runner.Run(ctx, p, pipeline.Trigger{
				Kind:   "manual",
				Commit: commit,
				Branch: branch,
			})

			if jsonOutput && run != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(run); err != nil {
					return err
				}
			} else if run != nil {
				fmt.Printf("run %s: %s (%d hosts, %d changed, %d failed)\n",
					run.ID, run.Status, run.HostsTotal, run.HostsChanged, run.HostsFailed)
			}

			return runErr
		},
	}

	cmd.Flags().StringVar(&commit, "commit", "", "commit SHA to record on the run")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to record on the run")

	return cmd
}
