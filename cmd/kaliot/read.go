package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaliot/kaliot"
)

// NewReadCommand takes one observation and prints it as a telemetry message.
func NewReadCommand() *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Take one observation and print it as telemetry JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := kaliot.NewAppConfig(configPath)
			if err := config.Load(); err != nil {
				return err
			}
			if samples > 0 {
				config.ProducerConfig.Light.SampleCount = samples
			}

			sensors, err := connectSensors(config.ProducerConfig)
			if err != nil {
				return err
			}
			defer sensors.Close()

			producer := kaliot.NewSensorProducer(sensors.atmos, sensors.light, nil,
				time.Duration(config.ProducerConfig.PollIntervalSecs)*time.Second)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			obs, err := producer.Poll(ctx)
			if err != nil {
				return err
			}

			deviceID := config.DeviceID
			if creds, err := config.Credentials(); deviceID == "" && err == nil {
				deviceID = creds.DeviceID
			}
			fields := config.TelemetryConfig.Fields
			if fields.Timestamp == "" {
				fields.Timestamp = "timestamp"
			}

			body, err := kaliot.NewTelemetryFormatter(deviceID, fields).Format(*obs)
			if err != nil {
				return err
			}
			fmt.Println(string(body))

			return nil
		},
	}

	cmd.Flags().IntVar(&samples, "samples", 0, "number of colour samples to average (default from config)")

	return cmd
}
