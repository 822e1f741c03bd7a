package bme280

import (
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/kaliot/kaliot/i2cbus"
)

// ErrShortRead is returned when the bus returns fewer bytes than requested.
var ErrShortRead = errors.New("short read from sensor")

// Coefficients are the factory calibration constants programmed into each sensor. They never change for a given
// device.
type Coefficients struct {
	T1 uint16
	T2 int16
	T3 int16

	P1 uint16
	P2 int16
	P3 int16
	P4 int16
	P5 int16
	P6 int16
	P7 int16
	P8 int16
	P9 int16

	H1 uint8
	H2 int16
	H3 uint8
	H4 int16
	H5 int16
	H6 int8
}

func getUShort(data []byte, index int) uint16 {
	return uint16(data[index+1])<<8 | uint16(data[index])
}

func getShort(data []byte, index int) int16 {
	return int16(getUShort(data, index))
}

func getUChar(data []byte, index int) uint8 {
	return data[index] & 0xFF
}

func getChar(data []byte, index int) int8 {
	return int8(data[index])
}

// DecodeCalibration decodes the three calibration blocks read from 0x88 (24 bytes), 0xA1 (1 byte) and 0xE1
// (7 bytes).
func DecodeCalibration(block1, block2, block3 []byte) (Coefficients, error) {
	if len(block1) < calib1Len || len(block2) < calib2Len || len(block3) < calib3Len {
		return Coefficients{}, pkgerrors.Wrapf(ErrShortRead, "calibration blocks are %d/%d/%d bytes, want %d/%d/%d",
			len(block1), len(block2), len(block3), calib1Len, calib2Len, calib3Len)
	}

	c := Coefficients{
		T1: getUShort(block1, 0),
		T2: getShort(block1, 2),
		T3: getShort(block1, 4),

		P1: getUShort(block1, 6),
		P2: getShort(block1, 8),
		P3: getShort(block1, 10),
		P4: getShort(block1, 12),
		P5: getShort(block1, 14),
		P6: getShort(block1, 16),
		P7: getShort(block1, 18),
		P8: getShort(block1, 20),
		P9: getShort(block1, 22),

		H1: getUChar(block2, 0),
		H2: getShort(block3, 0),
		H3: getUChar(block3, 2),
		H6: getChar(block3, 6),
	}

	// H4 and H5 are 12 bit two's complement values sharing the nibbles of byte 4. The shift pair moves the sign
	// bit of the high byte to bit 31 and back down, leaving it at bit 11.
	h4 := int32(getChar(block3, 3))
	h4 = (h4 << 24) >> 20
	h4 |= int32(getChar(block3, 4)) & 0x0F
	c.H4 = int16(h4)

	h5 := int32(getChar(block3, 5))
	h5 = (h5 << 24) >> 20
	h5 |= int32(getUChar(block3, 4)>>4) & 0x0F
	c.H5 = int16(h5)

	return c, nil
}

func readBlock(bus i2cbus.Transport, addr int, reg byte, n int) ([]byte, error) {
	data, err := bus.ReadBlock(addr, reg, n)
	if err != nil {
		return nil, err
	}

	if len(data) < n {
		return nil, pkgerrors.Wrapf(ErrShortRead, "register 0x%02x returned %d of %d bytes", reg, len(data), n)
	}

	return data, nil
}

// ReadCalibration reads and decodes the calibration coefficients of the sensor at addr.
func ReadCalibration(bus i2cbus.Transport, addr int) (Coefficients, error) {
	block1, err := readBlock(bus, addr, regCalib1, calib1Len)
	if err != nil {
		return Coefficients{}, pkgerrors.Wrapf(err, "failed to read temperature/pressure calibration")
	}

	block2, err := readBlock(bus, addr, regCalib2, calib2Len)
	if err != nil {
		return Coefficients{}, pkgerrors.Wrapf(err, "failed to read humidity calibration")
	}

	block3, err := readBlock(bus, addr, regCalib3, calib3Len)
	if err != nil {
		return Coefficients{}, pkgerrors.Wrapf(err, "failed to read humidity calibration")
	}

	return DecodeCalibration(block1, block2, block3)
}
