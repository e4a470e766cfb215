package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dpd/internal/signature"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate signature files",
	Long: `Compile signature files without analyzing any traffic.

All files are compiled together, so duplicate ids across files are reported.

Examples:
  dpd validate -f signatures.yml
  dpd validate -f base.yml -f site.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(validateFiles, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateFiles []string

func init() {
	validateCmd.Flags().StringArrayVarP(&validateFiles, "file", "f", nil,
		"signature file to validate (repeatable, required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(files []string, w io.Writer) error {
	rules, err := signature.LoadFiles(files...)
	if err != nil {
		return err
	}
	if _, err := signature.NewEngine(rules); err != nil {
		return err
	}

	analyzers := make(map[string]int)
	for _, r := range rules {
		analyzers[r.Enable.String()]++
	}
	fmt.Fprintf(w, "VALID: %d signature(s) in %d file(s) enabling %d analyzer(s)\n",
		len(rules), len(files), len(analyzers))
	return nil
}
