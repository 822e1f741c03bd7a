package kaliot

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/kaliot/kaliot/bme280"
	"github.com/kaliot/kaliot/i2cbus"
	"github.com/kaliot/kaliot/iothub"
	"github.com/kaliot/kaliot/tcs34725"
)

// Publisher protocols. The MQTT ones go through an iothub session.
const (
	ProtocolHTTP   = "http"
	ProtocolMQTT   = iothub.ProtocolMQTT
	ProtocolMQTTWS = iothub.ProtocolMQTTWS
)

// ErrInvalidConfig is returned when the config file parses but cannot be run with.
var ErrInvalidConfig = errors.New("invalid config")

// ProducerConfig is the set of configuration properties for setting up the Producer.
type ProducerConfig struct {
	PollIntervalSecs int                          `json:"intervalSecs" yaml:"intervalSecs"`
	I2cBusDevice     string                       `json:"i2cBusDevice" yaml:"i2cBusDevice"`
	Atmos            BME280SensorProviderConfig   `json:"atmos" yaml:"atmos"`
	Light            TCS34725SensorProviderConfig `json:"light" yaml:"light"`
}

// PublisherConfig is the set of configuration properties for setting up the Publisher.
type PublisherConfig struct {
	PushIntervalSecs int            `json:"intervalSecs" yaml:"intervalSecs"`
	Protocol         string         `json:"protocol" yaml:"protocol"`
	EndpointConfig   EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// IoTHubConfig is the set of configuration properties for the hub session.
type IoTHubConfig struct {
	ConnectionString     string `json:"connectionString" yaml:"connectionString"`
	RetryIntervalSecs    int    `json:"retryIntervalSecs" yaml:"retryIntervalSecs"`
	MaxRetryIntervalSecs int    `json:"maxRetryIntervalSecs" yaml:"maxRetryIntervalSecs"`
	MessageTimeoutMs     int    `json:"messageTimeoutMs" yaml:"messageTimeoutMs"`
	KeepAliveSecs        int    `json:"keepAliveSecs" yaml:"keepAliveSecs"`
}

// DatabaseConfig is the set of configuration properties for setting up the Database.
type DatabaseConfig struct {
	Path        string `json:"path" yaml:"path"`
	Migrations  string `json:"migrations" yaml:"migrations"`
	AutoMigrate bool   `json:"autoMigrate" yaml:"autoMigrate"`
}

// TelemetryConfig selects the keys of the telemetry messages.
type TelemetryConfig struct {
	Fields TelemetryFields `json:"fields" yaml:"fields"`
}

// StatusConfig is the local status server. An empty Listen disables it.
type StatusConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// AppConfig is the set of configuration properties for setting up the application.
type AppConfig struct {
	DeviceID        string          `json:"deviceId" yaml:"deviceId"`
	ProducerConfig  ProducerConfig  `json:"producer" yaml:"producer"`
	PublisherConfig PublisherConfig `json:"publisher" yaml:"publisher"`
	IoTHubConfig    IoTHubConfig    `json:"iothub" yaml:"iothub"`
	DatabaseConfig  DatabaseConfig  `json:"database" yaml:"database"`
	TelemetryConfig TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	StatusConfig    StatusConfig    `json:"status" yaml:"status"`
	path            string
}

// NewAppConfig creates a new AppConfig holding the defaults.
func NewAppConfig(path string) *AppConfig {
	return &AppConfig{
		ProducerConfig: ProducerConfig{
			PollIntervalSecs: 600,
			I2cBusDevice:     i2cbus.DefaultDevice,
			Atmos: BME280SensorProviderConfig{
				I2cAddr: bme280.DefaultAddr,
			},
			Light: TCS34725SensorProviderConfig{
				I2cAddr:         tcs34725.DefaultAddr,
				SampleCount:     DefaultLightSampleCount,
				IntegrationTime: int(tcs34725.DefaultConfig.IntegrationTime),
				Gain:            int(tcs34725.DefaultConfig.Gain),
			},
		},
		PublisherConfig: PublisherConfig{
			PushIntervalSecs: 60,
			Protocol:         ProtocolMQTT,
		},
		IoTHubConfig: IoTHubConfig{
			RetryIntervalSecs:    5,
			MaxRetryIntervalSecs: 100,
			MessageTimeoutMs:     10000,
			KeepAliveSecs:        240,
		},
		DatabaseConfig: DatabaseConfig{
			Path:       "kaliot.db",
			Migrations: "migrations",
		},
		TelemetryConfig: TelemetryConfig{
			Fields: DefaultTelemetryFields,
		},
		path: path,
	}
}

// Parse reads, parses and validates the config file.
func (ac *AppConfig) Parse() error {
	if err := ac.Load(); err != nil {
		return err
	}

	return ac.Validate()
}

// Load reads the config file over the defaults without validating it. Files ending in .yaml or .yml are read as
// YAML, anything else as JSON.
func (ac *AppConfig) Load() error {
	bytes, err := ioutil.ReadFile(ac.path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(ac.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bytes, ac)
	default:
		err = json.Unmarshal(bytes, ac)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse %s", ac.path)
	}

	return nil
}

// Credentials returns the parsed hub connection string.
func (ac *AppConfig) Credentials() (iothub.Credentials, error) {
	return iothub.ParseConnectionString(ac.IoTHubConfig.ConnectionString)
}

// Validate checks the config is runnable and fills in what can be derived.
func (ac *AppConfig) Validate() error {
	pc := ac.ProducerConfig
	if pc.PollIntervalSecs <= 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "producer.intervalSecs must be positive")
	}
	if pc.Light.SampleCount <= 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "producer.light.sampleCount must be positive")
	}
	if pc.Light.IntegrationTime < 0 || pc.Light.IntegrationTime > 0xFF {
		return pkgerrors.Wrapf(ErrInvalidConfig, "producer.light.integrationTime %d out of range",
			pc.Light.IntegrationTime)
	}
	if ac.PublisherConfig.PushIntervalSecs <= 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "publisher.intervalSecs must be positive")
	}
	if ac.DatabaseConfig.Path == "" {
		return pkgerrors.Wrapf(ErrInvalidConfig, "database.path is required")
	}

	switch ac.PublisherConfig.Protocol {
	case ProtocolHTTP:
		if ac.PublisherConfig.EndpointConfig.Host == "" {
			return pkgerrors.Wrapf(ErrInvalidConfig, "publisher.endpoints.host is required for http")
		}
	case ProtocolMQTT, ProtocolMQTTWS:
		creds, err := ac.Credentials()
		if err != nil {
			return pkgerrors.Wrapf(ErrInvalidConfig, "iothub.connectionString: %v", err)
		}
		if ac.DeviceID == "" {
			ac.DeviceID = creds.DeviceID
		}
	default:
		return pkgerrors.Wrapf(ErrInvalidConfig, "unknown publisher.protocol %q", ac.PublisherConfig.Protocol)
	}

	if ac.DeviceID == "" {
		if creds, err := ac.Credentials(); err == nil {
			ac.DeviceID = creds.DeviceID
		}
	}

	return nil
}
