package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ctxpipe/internal/config"
	"ctxpipe/pkg/logger"
)

// CLIContext carries the loaded configuration and logger between commands.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
}

type contextKey struct{}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
	}
}

// Close releases resources held by the context.
func (c *CLIContext) Close() error {
	return logger.Close()
}

// GetCLIContext retrieves the CLI context from a command's context.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, ok := ctx.Value(contextKey{}).(*CLIContext)
	if !ok {
		return nil
	}
	return cliCtx
}

// setCLIContext attaches the CLI context to a command.
func setCLIContext(cmd *cobra.Command, cliCtx *CLIContext) {
	cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
}
