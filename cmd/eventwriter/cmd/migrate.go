package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/eventwriter/internal/common/app"
	"github.com/armadaproject/eventwriter/internal/common/util"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the event tables of the configured storage.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := app.CreateContextWithShutdown()
			config.Storage.MigrateOnStart = false
			backend, err := storage.Open(ctx, config.Storage)
			if err != nil {
				return err
			}
			defer util.CloseResource("storage", backend)
			if err := backend.Migrate(ctx); err != nil {
				return err
			}
			ctx.Log.Infof("Migrated %s storage to schema %s", config.Storage.Driver, config.Storage.SchemaVersion)
			return nil
		},
	}
}
