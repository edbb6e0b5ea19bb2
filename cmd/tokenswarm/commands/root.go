package commands

import (
	"context"

	"TokenSwarm/internal/config"
	"TokenSwarm/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

// Execute 构建命令树并执行。
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tokenswarm",
		Short:         "Fan one funding account out into many asset holders",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			if err := logger.Init(loggerConfig(loaded.Logging)); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $TOKENSWARM_CONFIG or configs/tokenswarm.json)")

	root.AddCommand(runCmd(), accountsCmd(), auditCmd(), serveCmd(), chainCmd())
	return root
}

func loggerConfig(c config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
			Compress:   c.Audit.Compress,
		},
	}
}
