package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/config"
	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/state"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

func newInventoryCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Print the cached inventory from the last bootstrap",
		Long: `Print the role inventory resolved by the most recent bootstrap phase.
The inventory is a cache of discovered addresses grouped by role; re-running
bootstrap rebuilds it from scratch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			name, err := topologyName(cfg)
			if err != nil {
				return err
			}

			store, err := state.NewSQLiteStore(cfg.StatePath)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetInventory(ctx, name)
			if err != nil {
				return err
			}
			if rec == nil {
				return faults.Validation(
					fmt.Sprintf("no cached inventory for topology %q, run the bootstrap phase first", name), nil)
			}

			if output != "" {
				if err := os.WriteFile(output, rec.Document, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "inventory written to %s (resolved %s)\n",
					output, rec.ResolvedAt.Format("2006-01-02 15:04:05"))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(rec.Document))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the inventory to a file instead of stdout")

	return cmd
}

// topologyName resolves the state store key: the config's pinned name when
// set, the topology file's own name otherwise.
func topologyName(cfg *config.Config) (string, error) {
	if cfg.Topology != "" {
		return cfg.Topology, nil
	}
	topo, err := topology.NewStore().Load(topologyPath, nil)
	if err != nil {
		return "", err
	}
	return topo.Name, nil
}
