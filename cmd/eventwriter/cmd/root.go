package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/eventwriter/internal/common"
	commonconfig "github.com/armadaproject/eventwriter/internal/common/config"
	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
)

const (
	configFlag        = "config"
	defaultConfigPath = "./config/eventwriter"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "eventwriter",
		Short:         "eventwriter stores parameter events in batches through a pool of concurrent writers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSlice(
		configFlag,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)

	cmd.AddCommand(
		migrateCmd(),
		countCmd(),
		loadTestCmd(),
		ingestCmd(),
	)
	return cmd
}

// loadConfig reads the configuration named by the --config flag on top of the defaults, applies the
// command's overrides and validates the result.
func loadConfig(cmd *cobra.Command, overrides ...func(*configuration.EventWriterConfiguration)) (configuration.EventWriterConfiguration, error) {
	common.BindCommandlineArguments(cmd.Flags())
	var config configuration.EventWriterConfiguration
	common.LoadConfig(&config, defaultConfigPath, viper.GetStringSlice(configFlag))
	err := prepareConfig(&config, overrides...)
	return config, err
}

// prepareConfig applies overrides in order and then validates config.
func prepareConfig(config *configuration.EventWriterConfiguration, overrides ...func(*configuration.EventWriterConfiguration)) error {
	for _, override := range overrides {
		override(config)
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return err
	}
	return nil
}
