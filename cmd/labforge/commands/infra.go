package commands

import (
	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/orchestrator"
)

func newInfraCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "infra",
		Short: "Run only the infra phase",
		Long: `Make every resource in the topology exist and boot, then stop.
Existing resources are adopted after an identity check; a resource whose id
is held by a different kind fails the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhases(cmd, orchestrator.PhaseInfra, orchestrator.PhaseInfra)
		},
	}
}
