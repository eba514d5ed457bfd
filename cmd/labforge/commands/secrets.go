package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/secrets"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
	}
	cmd.AddCommand(newSecretsEncryptCommand())
	return cmd
}

func newSecretsEncryptCommand() *cobra.Command {
	var (
		input         string
		output        string
		passphraseEnv string
	)

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a plain KEY=VALUE secrets file",
		Long: `Encrypt a plain KEY=VALUE secrets file with AES-256-GCM so it can be
used as an encrypted_file secrets source. The passphrase comes from the
environment, never from a flag, so it stays out of shell history.`,
		Example: `  LABFORGE_PASSPHRASE=... labforge secrets encrypt -i secrets.env -o secrets.enc`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(passphraseEnv)
			if passphrase == "" {
				return faults.Validation(
					fmt.Sprintf("passphrase environment variable %s is empty", passphraseEnv), nil)
			}

			plaintext, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read %s: %w", input, err)
			}
			ciphertext, err := secrets.Encrypt(plaintext, passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, ciphertext, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "encrypted %s -> %s\n", input, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "in", "i", "", "plain secrets file to encrypt")
	cmd.Flags().StringVarP(&output, "out", "o", "", "encrypted output file")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "LABFORGE_PASSPHRASE", "environment variable holding the passphrase")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
