package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maciej/bme280"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/io/i2c"

	native "github.com/kaliot/kaliot/bme280"
	"github.com/kaliot/kaliot/i2cbus"
)

var (
	busDevice = i2cbus.DefaultDevice
	i2cAddr   = native.DefaultAddr
)

func main() {
	cmd := &cobra.Command{
		Use:   "bme280check",
		Short: "Compare the agent's BME280 compensation with the maciej/bme280 driver",
		Long: `bme280check takes one forced-mode reading with the maciej/bme280 driver and one
with the agent's own calibration engine, and prints both. The agent reports
temperature with the hub's legacy scaling, so its temperature column is not
in degrees.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&busDevice, "bus", busDevice, "i2c bus device")
	cmd.Flags().IntVar(&i2cAddr, "addr", i2cAddr, "i2c address of the BME280")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func check(ctx context.Context) error {
	if err := libraryRead(); err != nil {
		return err
	}

	bus := i2cbus.Open(busDevice)
	defer bus.Close()

	device, err := native.New(bus, i2cAddr)
	if err != nil {
		return err
	}
	log.WithField("coefficients", fmt.Sprintf("%+v", device.Coefficients())).Debug("calibration loaded")

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reading, err := device.Read(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("kaliot         Humidity: %f, Temperature: %f, Pressure: %f\n", reading.Humidity,
		reading.Temperature, reading.Pressure)

	return nil
}

func libraryRead() error {
	device, err := i2c.Open(&i2c.Devfs{Dev: busDevice}, i2cAddr)
	if err != nil {
		return err
	}
	defer device.Close()

	driver := bme280.New(device)
	err = driver.InitWith(bme280.ModeForced, bme280.Settings{
		Filter:                  bme280.FilterOff,
		PressureOversampling:    bme280.Oversampling1x,
		TemperatureOversampling: bme280.Oversampling1x,
		HumidityOversampling:    bme280.Oversampling1x,
	})
	if err != nil {
		return err
	}

	response, err := driver.Read()
	if err != nil {
		return err
	}
	fmt.Printf("maciej/bme280  Humidity: %f, Temperature: %f, Pressure: %f\n", response.Humidity,
		response.Temperature, response.Pressure)

	return nil
}
