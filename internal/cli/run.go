package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/cubesched/internal/config"
	"github.com/me/cubesched/internal/executor"
	"github.com/me/cubesched/internal/pipeline"
	"github.com/me/cubesched/internal/report"
	"github.com/me/cubesched/internal/server"
)

func newRunCmd() *cobra.Command {
	var (
		axis       string
		resume     bool
		statusAddr string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <runfile>",
		Short: "Image every channel of a run and assemble the cube",
		Long: `Run reads a run file listing the per-channel datasets, submits one
imaging unit per channel (preceded by a model-prediction unit when the run
file names a sky model), and assembles the cube once every channel imaged
successfully. The command exits non-zero when the cube is incomplete; the
report lists every failed or missing channel, and --resume reimages only
those.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := config.LoadRunFile(args[0])
			if err != nil {
				return err
			}
			var a config.Axis
			if axis != "" {
				if a, err = config.ParseAxis(axis); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sched, err := pipeline.NewScheduler(cfg, executor.NewDefaultRegistry(logger), st, logger)
			if err != nil {
				return err
			}
			schedCtx, cancelSched := context.WithCancel(context.Background())
			go sched.Start(schedCtx)
			defer func() {
				cancelSched()
				sched.Stop()
			}()

			drv := pipeline.New(cfg, sched, st, logger)
			if statusAddr != "" {
				srv := server.New(drv, logger, server.WithStore(st), server.WithVersion(Version))
				go func() {
					if err := srv.ListenAndServe(ctx, statusAddr); err != nil {
						logger.Error("status server", "error", err)
					}
				}()
			}

			rep, runErr := drv.Run(ctx, rf, pipeline.Options{Axis: a, Resume: resume})
			if rep != nil {
				if asJSON {
					report.WriteJSON(cmd.OutOrStdout(), rep)
				} else {
					report.WriteText(cmd.OutOrStdout(), rep)
				}
			}
			if runErr != nil {
				return runErr
			}
			if !rep.Complete() {
				return fmt.Errorf("%w: %d of %d channels imaged (rerun with --resume)", ErrIncomplete, rep.Succeeded, rep.Expected)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&axis, "axis", "", "Split axis: channel or time (default from the run file)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Reuse the manifest of the previous run and image only missing channels")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve /healthz, /metrics and /api/v1 on this address while running")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}
