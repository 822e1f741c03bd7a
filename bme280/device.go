package bme280

import (
	"context"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/kaliot/kaliot/i2cbus"
)

// MeasurementDelay returns the maximum conversion time for the given oversampling settings (datasheet appendix B),
// rounded up to the next microsecond.
func MeasurementDelay(tempOS, pressOS, humOS int) time.Duration {
	ms := 1.25 + (2.3 * float64(tempOS)) + ((2.3 * float64(pressOS)) + 0.575) + ((2.3 * float64(humOS)) + 0.575)

	return time.Duration(math.Ceil(ms*1000)) * time.Microsecond
}

// Device is a BME280 on an I2C bus. Calibration is read once, when the Device is created.
type Device struct {
	bus  i2cbus.Transport
	addr int

	// mu keeps a trigger and its data read together.
	mu           sync.Mutex
	coefficients Coefficients
	delay        time.Duration
}

// New reads the calibration of the sensor at addr. A Device cannot be created without valid calibration.
func New(bus i2cbus.Transport, addr int) (*Device, error) {
	coefficients, err := ReadCalibration(bus, addr)
	if err != nil {
		return nil, err
	}

	return &Device{
		bus:          bus,
		addr:         addr,
		coefficients: coefficients,
		delay:        MeasurementDelay(OversampleTemperature, OversamplePressure, OversampleHumidity),
	}, nil
}

// Coefficients returns the calibration read when the device was created.
func (d *Device) Coefficients() Coefficients {
	return d.coefficients
}

// ID returns the chip id and version registers.
func (d *Device) ID() (id byte, version byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := readBlock(d.bus, d.addr, regID, 2)
	if err != nil {
		return 0, 0, err
	}

	return data[0], data[1], nil
}

// trigger starts a forced measurement. Humidity control only takes effect after the following ctrl_meas write, so
// the order matters.
func (d *Device) trigger() error {
	if err := d.bus.WriteRegister(d.addr, regCtrlHum, OversampleHumidity); err != nil {
		return pkgerrors.Wrapf(err, "failed to set humidity oversampling")
	}

	if err := d.bus.WriteRegister(d.addr, regCtrlMeas, ctrlMeas); err != nil {
		return pkgerrors.Wrapf(err, "failed to start measurement")
	}

	return nil
}

func (d *Device) readRaw() (RawSample, error) {
	data, err := readBlock(d.bus, d.addr, regData, dataLen)
	if err != nil {
		return RawSample{}, pkgerrors.Wrapf(err, "failed to read measurement")
	}

	return UnpackRaw(data), nil
}

// ReadRaw triggers a measurement, waits for the conversion and returns the raw counts.
func (d *Device) ReadRaw(ctx context.Context) (RawSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.trigger(); err != nil {
		return RawSample{}, err
	}

	select {
	case <-ctx.Done():
		return RawSample{}, ctx.Err()
	case <-time.After(d.delay):
	}

	return d.readRaw()
}

// Read performs one forced measurement and returns the compensated reading.
func (d *Device) Read(ctx context.Context) (Reading, error) {
	raw, err := d.ReadRaw(ctx)
	if err != nil {
		return Reading{}, err
	}

	return Compensate(d.coefficients, raw), nil
}
