package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/cubesched/internal/pipeline"
)

func newAssembleCmd() *cobra.Command {
	var (
		mode    string
		reclaim bool
	)

	cmd := &cobra.Command{
		Use:   "assemble <manifest>",
		Short: "Assemble the cube from an existing manifest",
		Long: `Assemble stacks the channel images recorded in a manifest into the data
and weight cubes without running any unit. It fails, writing nothing, if any
channel is missing or unreadable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := pipeline.AssembleManifest(cmd.Context(), args[0], mode, reclaim, logger)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				return fmt.Errorf("format cube: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "image", "Cube name component, e.g. image or residual")
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "Delete each channel image once it is folded into the cube")

	return cmd
}
