package bme280

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	reg   byte
	value byte
}

type fakeBus struct {
	blocks map[byte][]byte
	reads  map[byte]int
	writes []write
	short  byte

	// when each register was last read or written
	readAt  map[byte]time.Time
	writeAt map[byte]time.Time
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		blocks: map[byte][]byte{
			regCalib1: refCalib1,
			regCalib2: refCalib2,
			regCalib3: refCalib3,
			regID:     {ChipID, 0x00},
			regData:   refSample(27000),
		},
		reads:   map[byte]int{},
		readAt:  map[byte]time.Time{},
		writeAt: map[byte]time.Time{},
	}
}

func (fb *fakeBus) ReadBlock(addr int, reg byte, n int) ([]byte, error) {
	fb.reads[reg]++
	fb.readAt[reg] = time.Now()
	data, ok := fb.blocks[reg]
	if !ok {
		return nil, errors.New("nack")
	}
	if reg == fb.short {
		return data[:n-1], nil
	}
	return data[:n], nil
}

func (fb *fakeBus) WriteRegister(addr int, reg byte, value byte) error {
	fb.writes = append(fb.writes, write{reg: reg, value: value})
	fb.writeAt[reg] = time.Now()
	return nil
}

func TestMeasurementDelay(t *testing.T) {
	delay := MeasurementDelay(OversampleTemperature, OversamplePressure, OversampleHumidity)

	assert.GreaterOrEqual(t, int64(delay), int64(16200*time.Microsecond))
	assert.Less(t, int64(delay), int64(16300*time.Microsecond))
}

func TestDevice_Read(t *testing.T) {
	bus := newFakeBus()
	dev, err := New(bus, DefaultAddr)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		reading, err := dev.Read(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 45.464, reading.Temperature, 1e-9)
	}

	assert.Equal(t, 1, bus.reads[regCalib1])
	assert.Equal(t, 1, bus.reads[regCalib2])
	assert.Equal(t, 1, bus.reads[regCalib3])
	assert.Equal(t, 2, bus.reads[regData])

	assert.Equal(t, []write{
		{reg: regCtrlHum, value: 0x02},
		{reg: regCtrlMeas, value: 0x49},
		{reg: regCtrlHum, value: 0x02},
		{reg: regCtrlMeas, value: 0x49},
	}, bus.writes)

	id, _, err := dev.ID()
	require.NoError(t, err)
	assert.Equal(t, byte(ChipID), id)
}

func TestNew_ShortCalibrationRead(t *testing.T) {
	bus := newFakeBus()
	bus.short = regCalib3

	_, err := New(bus, DefaultAddr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortRead))
}

func TestDevice_ReadCancelled(t *testing.T) {
	dev, err := New(newFakeBus(), DefaultAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = dev.Read(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDevice_ReadWaitsForConversion(t *testing.T) {
	bus := newFakeBus()
	dev, err := New(bus, DefaultAddr)
	require.NoError(t, err)

	_, err = dev.ReadRaw(context.Background())
	require.NoError(t, err)

	triggered, ok := bus.writeAt[regCtrlMeas]
	require.True(t, ok)
	read, ok := bus.readAt[regData]
	require.True(t, ok)

	assert.GreaterOrEqual(t, int64(read.Sub(triggered)), int64(dev.delay))
}
