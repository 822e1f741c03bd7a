package kaliot

import (
	"encoding/json"
	"math"
	"strconv"
)

// TelemetryFields names the JSON key used for each value of a telemetry message. An empty key leaves the value out.
type TelemetryFields struct {
	DeviceID    string `json:"deviceId" yaml:"deviceId"`
	Timestamp   string `json:"timestamp" yaml:"timestamp"`
	Temperature string `json:"temperature" yaml:"temperature"`
	Pressure    string `json:"pressure" yaml:"pressure"`
	Humidity    string `json:"humidity" yaml:"humidity"`
	Red         string `json:"red" yaml:"red"`
	Green       string `json:"green" yaml:"green"`
	Blue        string `json:"blue" yaml:"blue"`
	Clear       string `json:"clear" yaml:"clear"`
	Lux         string `json:"lux" yaml:"lux"`
	ColorTemp   string `json:"colorTemp" yaml:"colorTemp"`
}

// DefaultTelemetryFields are the keys the hub's stream analytics jobs expect.
var DefaultTelemetryFields = TelemetryFields{
	DeviceID:    "deviceId",
	Temperature: "airtemperature",
	Pressure:    "airpressure",
	Humidity:    "airhumidity",
	Red:         "red",
	Green:       "green",
	Blue:        "blue",
	Lux:         "lux",
	ColorTemp:   "colortemp",
}

// twoDecimals marshals as a JSON number with exactly two decimal places.
type twoDecimals float64

func (td twoDecimals) MarshalJSON() ([]byte, error) {
	f := float64(td)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}

	return strconv.AppendFloat(nil, f, 'f', 2, 64), nil
}

// TelemetryFormatter renders observations as telemetry messages.
type TelemetryFormatter struct {
	deviceID string
	fields   TelemetryFields
}

// NewTelemetryFormatter creates a new TelemetryFormatter.
func NewTelemetryFormatter(deviceID string, fields TelemetryFields) *TelemetryFormatter {
	return &TelemetryFormatter{
		deviceID: deviceID,
		fields:   fields,
	}
}

// Format returns the JSON object for one observation.
func (tf *TelemetryFormatter) Format(obs Observation) ([]byte, error) {
	msg := make(map[string]interface{})
	set := func(key string, v interface{}) {
		if key != "" {
			msg[key] = v
		}
	}

	set(tf.fields.DeviceID, tf.deviceID)
	set(tf.fields.Timestamp, obs.Timestamp)
	set(tf.fields.Temperature, twoDecimals(obs.AtmosReadings.Temperature))
	set(tf.fields.Pressure, twoDecimals(obs.AtmosReadings.Pressure))
	set(tf.fields.Humidity, twoDecimals(obs.AtmosReadings.Humidity))
	set(tf.fields.Red, twoDecimals(obs.LightReadings.Red))
	set(tf.fields.Green, twoDecimals(obs.LightReadings.Green))
	set(tf.fields.Blue, twoDecimals(obs.LightReadings.Blue))
	set(tf.fields.Clear, twoDecimals(obs.LightReadings.Clear))
	set(tf.fields.Lux, twoDecimals(obs.LightReadings.Lux))
	set(tf.fields.ColorTemp, twoDecimals(obs.LightReadings.ColorTemp))

	return json.Marshal(msg)
}
