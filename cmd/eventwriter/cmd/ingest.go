package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/eventwriter/internal/common"
	"github.com/armadaproject/eventwriter/internal/common/app"
	"github.com/armadaproject/eventwriter/internal/eventwriter/pipeline"
	"github.com/armadaproject/eventwriter/internal/eventwriter/pulsario"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Store events consumed from Pulsar until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := app.CreateContextWithShutdown()
			shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
			defer shutdownMetricServer()

			p, err := pipeline.New(ctx, config.Storage, config.Pipeline)
			if err != nil {
				return err
			}
			consumer, closePulsar, err := pulsario.Subscribe(&config.Pulsar)
			if err != nil {
				_ = p.Shutdown()
				return err
			}
			// The consumer outlives the pipeline so that the final completion reports can still ack.
			defer closePulsar()

			ingester := pulsario.NewIngester(config.Pulsar, p, consumer)
			runErr := ingester.Run(ctx)
			if err := p.Shutdown(); err != nil {
				ctx.Log.WithError(err).Warn("Pipeline shutdown reported an error")
			}
			return runErr
		},
	}
}
