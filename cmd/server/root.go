package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/observability"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type globals struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "session-plane",
		Short:         "Control plane for long-lived authenticated browser sessions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			g.cfg = cfg
			g.logger = observability.InitializeLogger(cfg.Logger)
			g.logger.Info("starting", zap.String("command", cmd.Name()), zap.String("version", Version))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(newServeCmd(g), newMigrateCmd(g), newKeygenCmd(g))
	return root
}
