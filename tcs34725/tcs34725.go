// Package tcs34725 drives the AMS TCS34725 RGB colour and light sensor.
package tcs34725

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/kaliot/kaliot/i2cbus"
)

// DefaultAddr is the fixed address of the TCS34725.
const DefaultAddr = 0x29

const (
	commandBit    = 0x80
	autoIncrement = 0x20

	regEnable  = 0x00
	regATime   = 0x01
	regControl = 0x0F
	regID      = 0x12
	regCData   = 0x14 // C, R, G, B low/high pairs follow

	enablePON = 0x01
	enableAEN = 0x02

	idTCS34725 = 0x44
	idTCS34727 = 0x4D
)

// Integration times as ATIME register values.
const (
	IntegrationTime2_4ms = 0xFF
	IntegrationTime24ms  = 0xF6
	IntegrationTime101ms = 0xD5
	IntegrationTime154ms = 0xC0
	IntegrationTime700ms = 0x00
)

// Gain settings as CONTROL register values.
const (
	Gain1x  = 0x00
	Gain4x  = 0x01
	Gain16x = 0x02
	Gain60x = 0x03
)

// ErrUnknownChip is returned when the id register does not identify a TCS3472x.
var ErrUnknownChip = errors.New("unexpected chip id")

// Config holds the acquisition settings.
type Config struct {
	IntegrationTime byte
	Gain            byte
}

// DefaultConfig matches the settings the sensor breakout boards ship examples with.
var DefaultConfig = Config{
	IntegrationTime: IntegrationTime2_4ms,
	Gain:            Gain4x,
}

// RawData are the four channel counts of one integration cycle.
type RawData struct {
	Red   uint16
	Green uint16
	Blue  uint16
	Clear uint16
}

// Device is a TCS34725 on an I2C bus.
type Device struct {
	bus    i2cbus.Transport
	addr   int
	config Config
}

// New checks the chip id and applies config. The sensor is left powered down; call Enable before reading.
func New(bus i2cbus.Transport, addr int, config Config) (*Device, error) {
	d := &Device{bus: bus, addr: addr, config: config}

	id, err := d.read8(regID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read chip id")
	}
	if id != idTCS34725 && id != idTCS34727 {
		return nil, pkgerrors.Wrapf(ErrUnknownChip, "got 0x%02x", id)
	}

	if err := d.write8(regATime, config.IntegrationTime); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set integration time")
	}
	if err := d.write8(regControl, config.Gain); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set gain")
	}

	return d, nil
}

// IntegrationDelay is the length of one integration cycle, 2.4ms per ATIME step.
func (d *Device) IntegrationDelay() time.Duration {
	return time.Duration(256-int(d.config.IntegrationTime)) * 2400 * time.Microsecond
}

func (d *Device) read8(reg byte) (byte, error) {
	data, err := d.bus.ReadBlock(d.addr, commandBit|reg, 1)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, errors.New("empty read")
	}
	return data[0], nil
}

func (d *Device) write8(reg, value byte) error {
	return d.bus.WriteRegister(d.addr, commandBit|reg, value)
}

// Enable powers the oscillator on and starts the RGBC ADCs.
func (d *Device) Enable() error {
	if err := d.write8(regEnable, enablePON); err != nil {
		return err
	}
	// 2.4ms warm up after PON before enabling the ADC.
	time.Sleep(3 * time.Millisecond)

	return d.write8(regEnable, enablePON|enableAEN)
}

// Disable puts the sensor to sleep.
func (d *Device) Disable() error {
	reg, err := d.read8(regEnable)
	if err != nil {
		return err
	}

	return d.write8(regEnable, reg&^(enablePON|enableAEN))
}

// RawData waits for a full integration cycle and returns the channel counts.
func (d *Device) RawData(ctx context.Context) (RawData, error) {
	select {
	case <-ctx.Done():
		return RawData{}, ctx.Err()
	case <-time.After(d.IntegrationDelay()):
	}

	data, err := d.bus.ReadBlock(d.addr, commandBit|autoIncrement|regCData, 8)
	if err != nil {
		return RawData{}, pkgerrors.Wrapf(err, "failed to read colour data")
	}
	if len(data) < 8 {
		return RawData{}, pkgerrors.Errorf("colour data returned %d of 8 bytes", len(data))
	}

	word := func(i int) uint16 {
		return uint16(data[i+1])<<8 | uint16(data[i])
	}

	return RawData{
		Clear: word(0),
		Red:   word(2),
		Green: word(4),
		Blue:  word(6),
	}, nil
}
