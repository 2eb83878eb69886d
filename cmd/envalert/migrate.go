package main

import (
	"github.com/sensorwatch/envalert/internal/datastore/v2"
	"github.com/sensorwatch/envalert/internal/logger"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := v2.NewManager(v2.ConfigFromSettings(&a.settings.Database))
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close() }()
			if err := mgr.Ping(cmd.Context()); err != nil {
				return err
			}
			if err := mgr.Initialize(); err != nil {
				return err
			}
			a.log.Info("schema up to date",
				logger.String("database", mgr.Dialect()),
				logger.Int("tables", len(v2.Models())))
			return nil
		},
	}
}
