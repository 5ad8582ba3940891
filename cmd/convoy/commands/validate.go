package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline file",
		Long: `Validate the pipeline file without running it.

This command checks:
  - YAML syntax and unknown fields
  - Schema conformance (required fields, value ranges)
  - Task definitions (modes, states, source files)
  - Policy compliance (OPA/rego)

With --policy-mode enforcing the exit code is non-zero when an
error-severity policy violation is found.`,
		Example: `  # Validate the default pipeline file
  convoy validate

  # Validate a specific file strictly
  convoy validate -f deploy/pipeline.yaml --policy-mode enforcing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadPipeline()
			if err != nil {
				return fmt.Errorf("pipeline is invalid: %w", err)
			}

			// Building tasks catches missing source files and bad modes.
			if _, err := p.BuildTasks(); err != nil {
				return fmt.Errorf("pipeline is invalid: %w", err)
			}

			engine, err := newPolicyEngine()
			if err != nil {
				return err
			}
			result, err := engine.Evaluate(ctx, p)
			if err != nil {
				return fmt.Errorf("policy evaluation failed: %w", err)
			}

			for _, v := range result.Violations {
				log.Warn().Str("policy", v.Policy).Str("severity", string(v.Severity)).Msg(v.Message)
			}
			for _, w := range result.Warnings {
				log.Warn().Msg(w)
			}

			if engine.Blocks(result) {
				return fmt.Errorf("pipeline blocked by %d policy violation(s)", len(result.Errors()))
			}

			fmt.Printf("pipeline %q is valid (%d tasks, %d policy findings)\n",
				p.Name, len(p.Tasks), len(result.Violations))
			return nil
		},
	}

	return cmd
}
