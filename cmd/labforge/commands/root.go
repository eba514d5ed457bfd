package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	topologyPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command and exits the process with the run's exit
// code. Partial runs (some resources progressed, some failed) exit 2 so
// scripts can distinguish them from total failures.
func Execute(ctx context.Context, version, commit, buildDate string) {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labforge",
		Short: "Labforge - Phased homelab infrastructure orchestrator",
		Long: `Labforge provisions a declarative topology of VMs and containers on a
Proxmox VE cluster and drives it through three phases:

  infra      create and boot every resource in the topology
  bootstrap  wait for guest readiness and resolve the role inventory
  configure  apply per-role configuration steps over SSH

Phases are re-entrant: a later invocation resumes from cached state, and
resources that already exist are adopted instead of recreated.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "labforge.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&topologyPath, "topology", "t", "topology.yaml", "topology file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newInfraCommand())
	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newSecretsCommand())

	return rootCmd
}

// exitError carries a non-standard exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
