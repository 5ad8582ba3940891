package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	pipelineFile string
	dbPath       string
	policyMode   string
	secretsFile  string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convoy",
		Short: "Convoy - push-triggered deployment pipeline",
		Long: `Convoy deploys configuration to fleets of hosts whenever code is
pushed. A pipeline file declares the trigger, the inventory, and an
ordered list of idempotent tasks; Convoy resolves the hosts, connects
over SSH, and converges each one in parallel.

Features:
  - Push-webhook trigger with HMAC signature verification
  - EC2 dynamic inventory by region and tags, with caching
  - Idempotent package, file, and service tasks
  - Secret injection from environment and file sources
  - Policy lint via OPA/rego before every run
  - Run history and per-host results in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&pipelineFile, "file", "f", "pipeline.yaml", "pipeline file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "convoy.db", "run history database path")
	rootCmd.PersistentFlags().StringVar(&policyMode, "policy-mode", "advisory", "policy mode (advisory or enforcing)")
	rootCmd.PersistentFlags().StringVar(&secretsFile, "secrets-file", "", "optional YAML secrets file (0600 mode)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newSecretsCommand())

	return rootCmd
}
