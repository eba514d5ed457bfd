package commands

import (
	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/orchestrator"
)

func newConfigureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run only the configure phase",
		Long: `Apply the per-role configuration steps over SSH using the cached
inventory from an earlier bootstrap. Steps run in their declared order;
members within a step run concurrently.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhases(cmd, orchestrator.PhaseConfigure, orchestrator.PhaseConfigure)
		},
	}
}
