package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/kaliot/kaliot"
	"github.com/kaliot/kaliot/i2cbus"
)

// sensors owns the I2C bus and the providers sharing it.
type sensors struct {
	bus   *i2cbus.Bus
	atmos *kaliot.BME280SensorProvider
	light *kaliot.TCS34725SensorProvider
}

func loadConfig(override func(*kaliot.AppConfig)) (*kaliot.AppConfig, error) {
	config := kaliot.NewAppConfig(configPath)
	if err := config.Load(); err != nil {
		return nil, err
	}
	if override != nil {
		override(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.WithField("config", configPath).
		WithField("deviceId", config.DeviceID).
		WithField("protocol", config.PublisherConfig.Protocol).
		Info("config loaded")

	return config, nil
}

// connectSensors opens the bus and connects both providers. Calibration is loaded here, so a failure is fatal.
func connectSensors(config kaliot.ProducerConfig) (*sensors, error) {
	bus := i2cbus.Open(config.I2cBusDevice)

	atmos := kaliot.NewBME280SensorProvider(config.Atmos, bus)
	if err := atmos.Connect(); err != nil {
		bus.Close()
		return nil, err
	}

	light := kaliot.NewTCS34725SensorProvider(config.Light, bus)
	if err := light.Connect(); err != nil {
		atmos.Disconnect()
		bus.Close()
		return nil, err
	}

	return &sensors{
		bus:   bus,
		atmos: atmos,
		light: light,
	}, nil
}

func (s *sensors) Close() {
	s.light.Disconnect()
	s.atmos.Disconnect()
	if err := s.bus.Close(); err != nil {
		log.WithError(err).Warn("failed to close i2c bus")
	}
}
