package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/cubesched/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Show the report of a run, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := st.ListRuns(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list runs: %w", err)
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs found.")
					return nil
				}
				fmt.Fprintf(out, "%-42s  %-11s  %-20s  %-9s  %s\n", "ID", "STATE", "NAME", "CHANNELS", "CREATED")
				for _, r := range runs {
					channels := fmt.Sprintf("%d", r.Expected)
					if r.Report != nil {
						channels = fmt.Sprintf("%d/%d", r.Report.Succeeded, r.Expected)
					}
					fmt.Fprintf(out, "%-42s  %-11s  %-20s  %-9s  %s\n", r.ID, r.State, r.Name, channels,
						r.CreatedAt.Local().Format("2006-01-02 15:04"))
				}
				return nil
			}

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			if run.Report == nil {
				fmt.Fprintf(out, "Run %s is %s; no report yet.\n", run.ID, run.State)
				return nil
			}
			if asJSON {
				return report.WriteJSON(out, run.Report)
			}
			return report.WriteText(out, run.Report)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")

	return cmd
}
