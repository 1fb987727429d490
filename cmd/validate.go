package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/visionlink/internal/pipeline"
	"github.com/smazurov/visionlink/internal/system"
)

// CreateValidateCmd creates the validate command.
func CreateValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [pipeline-file]",
		Short: "Check a pipeline description",
		Long: `Parses a pipeline description and checks its topology: link names, types, ` +
			`single-consumer wiring, and that links on different processors are joined through an ipcout/ipcin pair.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}

			procs := make(map[system.ProcID]int)
			for _, id := range pipeline.AssignIDs(desc) {
				procs[id.Proc()]++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d links on %d processors, ok\n", desc.Name, len(desc.Links), len(procs))
			return nil
		},
	}
	return cmd
}
