// Package cli implements the ctxpipe command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"ctxpipe/internal/config"
	"ctxpipe/pkg/logger"
)

// GlobalFlags holds flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctxpipe",
		Short: "ctxpipe - conversation context window reducer",
		Long: `ctxpipe reduces a conversation transcript to a bounded,
token-budget-compliant subsequence through a chain of filtering stages:
structural volume limiting, token budget enforcement, tool trace
filtering, relevance segmentation and duplicate collapsing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// version, init and help run without configuration.
			switch cmd.Name() {
			case "version", "init", "help":
				return nil
			}

			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}

			if err := logger.Init(logger.LogConfig{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			setCLIContext(cmd, NewCLIContext(cfg, globalFlags.ConfigPath, logger.Get()))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewRunCmd())

	return rootCmd
}
