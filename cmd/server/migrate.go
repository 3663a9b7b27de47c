package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/session-plane/internal/store"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs database.driver=postgres, got %q", g.cfg.Database.Driver)
			}
			db, err := store.OpenPostgres(cmd.Context(), g.cfg.Database, g.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			g.logger.Info("schema applied")
			return nil
		},
	}
}
