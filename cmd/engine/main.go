package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dsrules/internal/config"
	"dsrules/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "dsrules",
		Short:         "digitalSTROM style rule engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newImportCmd(),
		newRegisterCmd(),
		newUnregisterCmd(),
		newTriggersCmd(),
		newHashPasswordCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
