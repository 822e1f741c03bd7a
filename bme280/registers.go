// Package bme280 reads the Bosch BME280 combined temperature, pressure and humidity sensor and converts its raw ADC
// counts into physical readings using the factory calibration stored on the chip.
package bme280

const (
	// DefaultAddr is the address of the sensor with SDO pulled high. Boards with SDO tied to ground use 0x76.
	DefaultAddr = 0x77

	// ChipID is the value of the id register for a BME280.
	ChipID = 0x60

	regCalib1   = 0x88 // T1..T3, P1..P9
	regCalib2   = 0xA1 // H1
	regID       = 0xD0
	regCalib3   = 0xE1 // H2..H6
	regCtrlHum  = 0xF2
	regCtrlMeas = 0xF4
	regData     = 0xF7

	calib1Len = 24
	calib2Len = 1
	calib3Len = 7
	dataLen   = 8
)

// Oversampling settings used for every measurement. The register encoding of 1x, 2x, 4x... is 1, 2, 3... so 2 is
// 2x oversampling.
const (
	OversampleTemperature = 2
	OversamplePressure    = 2
	OversampleHumidity    = 2

	// ModeForced performs a single measurement and returns the sensor to sleep.
	ModeForced = 1
)

// ctrlMeas is the control byte written to regCtrlMeas to start a forced measurement.
const ctrlMeas = OversampleTemperature<<5 | OversamplePressure<<2 | ModeForced
