package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoy-run/convoy/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		runID  string
		limit  int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs",
		Long: `Show past runs from the history database.

Without flags this lists recent runs, newest first. With --run it shows
the per-host results of one run, and --events adds the run's event log.`,
		Example: `  # List the last 20 runs
  convoy history

  # Inspect one run with its event log
  convoy history --run 2f1c9a6e-... --events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == "" {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(runs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPIPELINE\tTRIGGER\tSTATUS\tHOSTS\tCHANGED\tFAILED\tSTARTED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						r.ID, r.PipelineName, r.Trigger, r.Status,
						r.HostsTotal, r.HostsChanged, r.HostsFailed,
						r.StartedAt.Format(time.RFC3339))
				}
				return w.Flush()
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			records, err := store.ListHostRecordsByRun(ctx, runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := struct {
					Run   *stores.Run          `json:"run"`
					Hosts []*stores.HostRecord `json:"hosts"`
				}{run, records}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Printf("run %s: pipeline=%s trigger=%s status=%s\n", run.ID, run.PipelineName, run.Trigger, run.Status)
			if run.Error != nil {
				fmt.Printf("error: %s\n", *run.Error)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tADDRESS\tSTATUS\tTASKS\tFAILED\tERROR")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					rec.HostID, rec.Address, rec.Status, rec.TasksTotal, rec.TasksFailed, errText(rec.Error))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if events {
				evs, err := store.GetEvents(ctx, &runID, nil, 200, 0)
				if err != nil {
					return err
				}
				for _, e := range evs {
					fmt.Printf("%s [%s] %s: %s\n",
						e.Timestamp.Format(time.RFC3339), e.Level, e.Stage, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show one run's host results")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}

func errText(err *string) string {
	if err == nil {
		return ""
	}
	return *err
}
