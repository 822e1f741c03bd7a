package kaliot

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/warthog618/gpio"

	"github.com/kaliot/kaliot/i2cbus"
	"github.com/kaliot/kaliot/tcs34725"
)

// DefaultLightSampleCount is the number of raw samples averaged into one light reading.
const DefaultLightSampleCount = 130

// LightSensorProvider provides a way to setup and collect light data readings.
type LightSensorProvider interface {
	SensorProvider
	Readings(ctx context.Context) (*LightReadings, error)
	SampleCount() int
	SetSampleCount(n int)
}

// LightReadings are the averaged colour channel counts and the values derived from them.
type LightReadings struct {
	Red       float64 `json:"red"`
	Green     float64 `json:"green"`
	Blue      float64 `json:"blue"`
	Clear     float64 `json:"clear"`
	Lux       float64 `json:"lux"`
	ColorTemp float64 `json:"colorTemp"` // kelvin, 0 when undefined
}

// TCS34725SensorProviderConfig is used for setup of the TCS34725.
type TCS34725SensorProviderConfig struct {
	I2cAddr         int  `json:"i2cAddr" yaml:"i2cAddr"`
	SampleCount     int  `json:"sampleCount" yaml:"sampleCount"`
	IntegrationTime int  `json:"integrationTime" yaml:"integrationTime"`
	Gain            int  `json:"gain" yaml:"gain"`
	UseLED          bool `json:"useLED" yaml:"useLED"`
	LEDPinNumber    int  `json:"ledPin" yaml:"ledPin"`
}

type colorSensor interface {
	Enable() error
	Disable() error
	RawData(ctx context.Context) (tcs34725.RawData, error)
}

type led interface {
	High()
	Low()
}

// TCS34725SensorProvider averages raw colour samples from the TCS34725, optionally lighting the board LED while
// sampling.
type TCS34725SensorProvider struct {
	config TCS34725SensorProviderConfig
	bus    i2cbus.Transport

	device colorSensor
	led    led

	sampleLock  sync.Mutex
	sampleCount int
}

// NewTCS34725SensorProvider creates and returns a TCS34725SensorProvider.
func NewTCS34725SensorProvider(config TCS34725SensorProviderConfig, bus i2cbus.Transport) *TCS34725SensorProvider {
	sampleCount := config.SampleCount
	if sampleCount <= 0 {
		sampleCount = DefaultLightSampleCount
	}

	return &TCS34725SensorProvider{
		config:      config,
		bus:         bus,
		sampleCount: sampleCount,
	}
}

// Connect verifies the sensor and sets up the LED pin.
func (tp *TCS34725SensorProvider) Connect() error {
	device, err := tcs34725.New(tp.bus, tp.config.I2cAddr, tcs34725.Config{
		IntegrationTime: byte(tp.config.IntegrationTime),
		Gain:            byte(tp.config.Gain),
	})
	if err != nil {
		return err
	}

	if tp.config.UseLED {
		err := gpio.Open()
		if err != nil && !errors.Is(err, gpio.ErrAlreadyOpen) {
			return err
		}

		pin := gpio.NewPin(tp.config.LEDPinNumber)
		pin.Output()
		pin.Low()
		tp.led = pin
	}

	tp.device = device

	return nil
}

// SampleCount returns the number of raw samples averaged per reading.
func (tp *TCS34725SensorProvider) SampleCount() int {
	tp.sampleLock.Lock()
	defer tp.sampleLock.Unlock()

	return tp.sampleCount
}

// SetSampleCount changes the number of raw samples averaged per reading. Non-positive values are ignored.
func (tp *TCS34725SensorProvider) SetSampleCount(n int) {
	if n <= 0 {
		return
	}

	tp.sampleLock.Lock()
	tp.sampleCount = n
	tp.sampleLock.Unlock()
}

// Readings powers the sensor up, averages SampleCount raw samples and powers it down again.
func (tp *TCS34725SensorProvider) Readings(ctx context.Context) (*LightReadings, error) {
	if tp.device == nil {
		return nil, ErrNotConnected
	}

	if tp.led != nil {
		tp.led.High()
		defer tp.led.Low()
	}

	if err := tp.device.Enable(); err != nil {
		return nil, err
	}
	defer func() {
		if err := tp.device.Disable(); err != nil {
			log.WithError(err).
				WithField("component", "light provider").
				Error("failed to disable sensor")
		}
	}()

	count := tp.SampleCount()
	var sumR, sumG, sumB, sumC uint64
	for i := 0; i < count; i++ {
		raw, err := tp.device.RawData(ctx)
		if err != nil {
			return nil, err
		}

		sumR += uint64(raw.Red)
		sumG += uint64(raw.Green)
		sumB += uint64(raw.Blue)
		sumC += uint64(raw.Clear)
	}

	// Integer means, the fractional part is below the sensor's resolution.
	n := uint64(count)
	r := float64(sumR / n)
	g := float64(sumG / n)
	b := float64(sumB / n)

	colorTemp, ok := tcs34725.ColorTemperature(r, g, b)
	if !ok {
		colorTemp = 0
	}

	return &LightReadings{
		Red:       r,
		Green:     g,
		Blue:      b,
		Clear:     float64(sumC / n),
		Lux:       tcs34725.Lux(r, g, b),
		ColorTemp: colorTemp,
	}, nil
}

// Disconnect powers the sensor down and releases the LED pin.
func (tp *TCS34725SensorProvider) Disconnect() {
	if tp.device == nil {
		log.WithField("component", "light provider").
			Debug("attempted to disconnect not connected provider")
		return
	}

	if err := tp.device.Disable(); err != nil {
		log.WithError(err).
			WithField("component", "light provider").
			Error("failed to disable sensor")
	}
	tp.device = nil

	if tp.led == nil {
		return
	}

	tp.led.Low()
	tp.led = nil
	err := gpio.Close()
	if err != nil && !errors.Is(err, unix.EINVAL) { // closing gpio a second time causes EINVAL
		log.WithError(err).
			WithField("component", "light provider").
			Error("gpio failed to close")
	}
}
