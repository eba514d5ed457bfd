package commands

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/config"
	"github.com/nicholasvmoore/labforge/pkg/topology"
)

func newValidateCommand() *cobra.Command {
	var (
		watch    bool
		noConfig bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and topology files",
		Long: `Validate the configuration and topology without touching the platform.

This command checks:
  - YAML syntax and unknown fields
  - Structural constraints (ids, names, sizing, addressing modes)
  - That every role in the topology has a configured apply step`,
		Example: `  # One-shot validation
  labforge validate

  # Re-validate on every save while editing the topology
  labforge validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFiles(noConfig); err != nil {
				if !watch {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "invalid:", err)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
			}

			if !watch {
				return nil
			}
			return watchAndValidate(cmd, noConfig)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate whenever the files change")
	cmd.Flags().BoolVar(&noConfig, "no-config", false, "validate the topology alone, skipping the role cross-check")

	return cmd
}

// validateFiles loads both files, which runs the full validation chain.
func validateFiles(noConfig bool) error {
	var definedRoles map[string]bool
	if !noConfig {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		definedRoles = cfg.DefinedRoles()
	}
	_, err := topology.NewStore().Load(topologyPath, definedRoles)
	return err
}

// watchAndValidate blocks, re-running validation on every write to either
// file, until the context is cancelled.
func watchAndValidate(cmd *cobra.Command, noConfig bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(topologyPath); err != nil {
		return fmt.Errorf("watch %s: %w", topologyPath, err)
	}
	if !noConfig {
		if err := watcher.Add(configPath); err != nil {
			return fmt.Errorf("watch %s: %w", configPath, err)
		}
	}

	log.Info().Str("topology", topologyPath).Msg("watching for changes")
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := validateFiles(noConfig); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "invalid:", err)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
			}
			// Editors replace files on save; re-add in case the watch was
			// dropped with the old inode.
			_ = watcher.Add(event.Name)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("watch error")
		}
	}
}
