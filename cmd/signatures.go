package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/dpd/internal/signature"
)

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "Print the built-in signatures",
	Long: `Print the built-in signature file. The output is a valid signature file
and can be used as a starting point for site rules.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := cmd.OutOrStdout().Write(signature.DefaultsYAML())
		return err
	},
}
