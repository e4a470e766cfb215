// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/dpd/internal/config"
	"firestige.xyz/dpd/internal/log"
)

// Version is set at build time with -ldflags "-X firestige.xyz/dpd/cmd.Version=...".
var Version = "0.1.0"

var (
	// Global flags
	configFile string
	logLevel   string

	// cfg is loaded by the root command before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dpd",
	Short: "dpd - dynamic protocol detection for captured traffic",
	Long: `dpd identifies the application protocol of every connection in a
capture from payload signatures, independent of ports, and hands the
connection to the matching analyzer with everything seen so far replayed.

Features:
  - Signature rules in YAML: Go regexps plus expr conditions
  - Replay of buffered packets and stream data into late-chosen analyzers
  - TCP reassembly with gap reporting, IPv4 defragmentation, GRE/VXLAN
  - Built-in LOGIN, LINE, SIP and DNS analyzers`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := log.Init(loaded.Log); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log level (debug/info/warn/error)")

	// Add subcommands
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(signaturesCmd)
	rootCmd.AddCommand(versionCmd)
}
