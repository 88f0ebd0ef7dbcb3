package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctxpipe/internal/config"
)

// NewInitCmd creates the init command, which writes a default config file.
func NewInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long:  "Write the default configuration as YAML to the given path (default: ctxpipe.yaml).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ctxpipe.yaml"
			if len(args) == 1 {
				path = args[0]
			}

			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove existing config: %w", err)
				}
			}

			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}
