package kaliot

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/kaliot/kaliot/bme280"
	"github.com/kaliot/kaliot/i2cbus"
)

// ErrNotConnected is returned when readings are requested from a provider that has not been connected.
var ErrNotConnected = errors.New("provider not connected")

// AtmosphericSensorProvider provides a way to setup and collect atmospheric data readings.
type AtmosphericSensorProvider interface {
	SensorProvider
	Readings(ctx context.Context) (*AtmosphericReadings, error)
}

// AtmosphericReadings are the sensor readings about measurements such as air temperature.
type AtmosphericReadings struct {
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"` // hPa
	Humidity    float64 `json:"humidity"` // %RH
}

// BME280SensorProviderConfig is used for setup of the BME280.
type BME280SensorProviderConfig struct {
	I2cAddr int `json:"i2cAddr" yaml:"i2cAddr"`
}

// BME280SensorProvider provides temperature, pressure, and humidity readings using the BME280 chip.
type BME280SensorProvider struct {
	i2cAddr int
	bus     i2cbus.Transport

	device *bme280.Device
}

// NewBME280SensorProvider creates and returns a BME280SensorProvider.
func NewBME280SensorProvider(config BME280SensorProviderConfig, bus i2cbus.Transport) *BME280SensorProvider {
	return &BME280SensorProvider{
		i2cAddr: config.I2cAddr,
		bus:     bus,
	}
}

// Connect loads the calibration coefficients from the BME280. Without them no reading can be trusted, so any
// failure here is fatal for the provider.
func (bme *BME280SensorProvider) Connect() error {
	device, err := bme280.New(bme.bus, bme.i2cAddr)
	if err != nil {
		return err
	}

	id, version, err := device.ID()
	if err != nil {
		return err
	}

	logger := log.WithField("component", "atmospheric provider").
		WithField("chipID", id).
		WithField("chipVersion", version)
	if id != bme280.ChipID {
		logger.Warn("chip does not identify as a BME280")
	} else {
		logger.Info("BME280 connected")
	}

	bme.device = device

	return nil
}

// Readings returns the set of AtmosphericReadings provided by the BME280.
func (bme *BME280SensorProvider) Readings(ctx context.Context) (*AtmosphericReadings, error) {
	if bme.device == nil {
		return nil, ErrNotConnected
	}

	response, err := bme.device.Read(ctx)
	if err != nil {
		return nil, err
	}

	return &AtmosphericReadings{
		Temperature: response.Temperature,
		Humidity:    response.Humidity,
		Pressure:    response.Pressure,
	}, nil
}

// Disconnect releases the BME280. The shared bus is closed by its owner.
func (bme *BME280SensorProvider) Disconnect() {
	if bme.device == nil {
		log.WithField("component", "atmospheric provider").
			Debug("attempted to disconnect not connected provider")
		return
	}

	bme.device = nil
}
