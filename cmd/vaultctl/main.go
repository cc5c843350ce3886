package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"posplatform/internal/vault"
)

var Version = "dev"

func main() {
	if err := rootCmd(loadVault).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadVault builds the vault from CREDENTIAL_VAULT_KEY.
func loadVault() (*vault.Vault, error) {
	var cfg vault.Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return vault.New(cfg.Key)
}

func rootCmd(open func() (*vault.Vault, error)) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Encrypt and decrypt integration secrets with the credential vault",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(encryptCmd(open))
	root.AddCommand(decryptCmd(open))

	return root
}

func encryptCmd(open func() (*vault.Vault, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [plaintext|-]",
		Short: "Encrypt a secret into an envelope",
		Long: `Encrypt a secret with the key in CREDENTIAL_VAULT_KEY.
Pass "-" or no argument to read the secret from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := open()
			if err != nil {
				return err
			}
			plaintext, err := input(cmd, args)
			if err != nil {
				return err
			}
			envelope, err := v.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), envelope)
			return nil
		},
	}
}

func decryptCmd(open func() (*vault.Vault, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt [envelope|-]",
		Short: "Decrypt an envelope back into the secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := open()
			if err != nil {
				return err
			}
			envelope, err := input(cmd, args)
			if err != nil {
				return err
			}
			plaintext, err := v.Decrypt(envelope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
}

// input returns the positional argument, or the first line of stdin.
func input(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no input given")
	}
	return line, nil
}
