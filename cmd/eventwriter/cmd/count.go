package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/armadaproject/eventwriter/internal/common/app"
	"github.com/armadaproject/eventwriter/internal/common/util"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := app.CreateContextWithShutdown()
			backend, err := storage.Open(ctx, config.Storage)
			if err != nil {
				return err
			}
			defer util.CloseResource("storage", backend)
			n, err := backend.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
