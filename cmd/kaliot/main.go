package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel   = "info"
	logFormat  = "json"
	configPath = "config.json"
)

func setupLogger() error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}

	// Output to stdout instead of the default stderr
	log.SetOutput(os.Stdout)

	return nil
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand builds the kaliot root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kaliot",
		Short: "kaliot reads environment sensors and reports them to an IoT hub",
		Long: `kaliot reads air temperature, pressure and humidity from a BME280 and colour and
illuminance from a TCS34725, buffers observations locally and forwards them
to an Azure IoT hub (MQTT) or an HTTP collector.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&logFormat, "log-format", logFormat, "log format (json, text)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path (.json, .yaml or .yml)")

	cmd.AddCommand(
		NewRunCommand(),
		NewReadCommand(),
		NewMigrateCommand(),
	)

	return cmd
}
