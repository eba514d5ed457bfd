package commands

import (
	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/orchestrator"
)

func newUpCommand() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run all phases: infra, bootstrap, configure",
		Long: `Run the full phase sequence against the topology. Resources that
already exist on the platform are adopted, not recreated, so up is safe to
re-run after a partial failure.`,
		Example: `  # Bring the whole topology up
  labforge up

  # Resume after a failed bootstrap without re-checking infra
  labforge up --from bootstrap`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := orchestrator.ParsePhase(from)
			if err != nil {
				return err
			}
			return runPhases(cmd, start, orchestrator.PhaseConfigure)
		},
	}

	cmd.Flags().StringVar(&from, "from", string(orchestrator.PhaseInfra), "phase to start from (infra, bootstrap, configure)")

	return cmd
}
