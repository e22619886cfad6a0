package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/armadaproject/eventwriter/internal/common"
	"github.com/armadaproject/eventwriter/internal/common/app"
	"github.com/armadaproject/eventwriter/internal/common/util"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
	"github.com/armadaproject/eventwriter/internal/eventwriter/loadtester"
	"github.com/armadaproject/eventwriter/internal/eventwriter/pipeline"
	"github.com/armadaproject/eventwriter/internal/eventwriter/storage"
)

func loadTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Write generated events through the pipeline and report throughput.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, loadTestOverrides(cmd))
			if err != nil {
				return err
			}

			ctx := app.CreateContextWithShutdown()
			shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
			defer shutdownMetricServer()

			// Rows are counted over a connection of their own.
			counter, err := storage.Open(ctx, config.Storage)
			if err != nil {
				return err
			}
			defer util.CloseResource("row counter", counter)

			p, err := pipeline.New(ctx, config.Storage, config.Pipeline)
			if err != nil {
				return err
			}
			results, err := loadtester.New(config.LoadTest, p, counter).Run(ctx)
			if err != nil {
				ctx.Log.WithError(err).Error("Load test failed")
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), loadtester.Report(time.Now(), config, results))
			return nil
		},
	}
	cmd.Flags().String("mode", "", "Override loadTest.mode: single or sustained")
	cmd.Flags().Int("bulk-size", 0, "Override loadTest.bulkSize")
	return cmd
}

// loadTestOverrides applies the --mode and --bulk-size flags to the loaded configuration.
func loadTestOverrides(cmd *cobra.Command) func(*configuration.EventWriterConfiguration) {
	mode, _ := cmd.Flags().GetString("mode")
	bulk, _ := cmd.Flags().GetInt("bulk-size")
	return func(config *configuration.EventWriterConfiguration) {
		if mode != "" {
			config.LoadTest.Mode = mode
		}
		if bulk > 0 {
			config.LoadTest.BulkSize = bulk
		}
	}
}
