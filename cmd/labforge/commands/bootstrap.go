package commands

import (
	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/orchestrator"
)

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run only the bootstrap phase",
		Long: `Wait for every provisioned resource to report a usable address and
resolve the role inventory from the results. Requires cached infra state
from an earlier run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhases(cmd, orchestrator.PhaseBootstrap, orchestrator.PhaseBootstrap)
		},
	}
}
