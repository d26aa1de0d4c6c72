package cli

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/cubesched/internal/resource"
	"github.com/me/cubesched/pkg/model"
)

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show the worker pool, resource profiles and kind bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := cfg.Workers()
			if err != nil {
				return err
			}
			profiles, err := cfg.ResourceProfiles()
			if err != nil {
				return err
			}
			resolver, err := resource.NewResolver(profiles, cfg.Kinds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "%-20s  %5s  %10s\n", "WORKER", "CORES", "MEMORY")
			for _, w := range workers {
				fmt.Fprintf(out, "%-20s  %5d  %10s\n", w.Name, w.Cores, humanize.IBytes(w.MemoryBytes))
			}

			fmt.Fprintf(out, "\n%-12s  %5s  %10s  %-8s  %8s  %s\n", "PROFILE", "CORES", "MEMORY", "MODE", "PER-NODE", "TIMEOUT")
			for _, p := range resolver.Profiles() {
				timeout := "none"
				if p.Timeout > 0 {
					timeout = p.Timeout.String()
				}
				fmt.Fprintf(out, "%-12s  %5d  %10s  %-8s  %8d  %s\n", p.Name, p.Cores,
					humanize.IBytes(p.MemoryBytes), p.Mode, p.MaxConcurrentPerWorker, timeout)
			}

			bindings := resolver.Bindings()
			kinds := make([]string, 0, len(bindings))
			for k := range bindings {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			fmt.Fprintf(out, "\n%-10s  %s\n", "KIND", "PROFILE")
			for _, k := range kinds {
				fmt.Fprintf(out, "%-10s  %s\n", k, bindings[model.WorkUnitKind(k)])
			}
			return nil
		},
	}
}
