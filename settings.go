package kaliot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	minReportIntervalSecs = 1
	maxReportIntervalSecs = 24 * 60 * 60
	maxLightSampleCount   = 1000

	reportTimeout = 10 * time.Second
)

// ErrInvalidSetting is returned when a desired setting is outside its allowed range.
var ErrInvalidSetting = errors.New("invalid setting")

// StateReporter publishes reported properties.
type StateReporter interface {
	ReportState(ctx context.Context, state interface{}) error
}

// Tunable is the part of the producer that can be changed at runtime.
type Tunable interface {
	Interval() time.Duration
	SetInterval(time.Duration)
	LightSampleCount() int
	SetLightSampleCount(int)
}

// DesiredSettings is a desired properties patch. Absent fields are left unchanged.
type DesiredSettings struct {
	ReportIntervalSecs *int `json:"reportIntervalSecs"`
	LightSampleCount   *int `json:"lightSampleCount"`
}

// ReportedSettings are the settings in effect, as reported back to the hub.
type ReportedSettings struct {
	ReportIntervalSecs int `json:"reportIntervalSecs"`
	LightSampleCount   int `json:"lightSampleCount"`
}

// Settings applies desired property patches to the producer and reports the outcome.
type Settings struct {
	target   Tunable
	reporter StateReporter
}

// NewSettings creates a new Settings. reporter may be nil when there is no hub session.
func NewSettings(target Tunable, reporter StateReporter) *Settings {
	return &Settings{
		target:   target,
		reporter: reporter,
	}
}

// ParseDesired decodes a desired properties patch. A full twin document is accepted too, in which case only its
// desired section is used.
func ParseDesired(body []byte) (DesiredSettings, error) {
	var twin struct {
		Desired *json.RawMessage `json:"desired"`
	}
	if err := json.Unmarshal(body, &twin); err != nil {
		return DesiredSettings{}, pkgerrors.Wrapf(err, "failed to parse desired properties")
	}
	if twin.Desired != nil {
		body = *twin.Desired
	}

	var desired DesiredSettings
	if err := json.Unmarshal(body, &desired); err != nil {
		return DesiredSettings{}, pkgerrors.Wrapf(err, "failed to parse desired properties")
	}

	return desired, nil
}

// Validate checks every present field, so a patch is applied whole or not at all.
func (ds DesiredSettings) Validate() error {
	if v := ds.ReportIntervalSecs; v != nil && (*v < minReportIntervalSecs || *v > maxReportIntervalSecs) {
		return pkgerrors.Wrapf(ErrInvalidSetting, "reportIntervalSecs %d not in [%d, %d]", *v,
			minReportIntervalSecs, maxReportIntervalSecs)
	}
	if v := ds.LightSampleCount; v != nil && (*v < 1 || *v > maxLightSampleCount) {
		return pkgerrors.Wrapf(ErrInvalidSetting, "lightSampleCount %d not in [1, %d]", *v, maxLightSampleCount)
	}

	return nil
}

// Current returns the settings in effect.
func (s *Settings) Current() ReportedSettings {
	return ReportedSettings{
		ReportIntervalSecs: int(s.target.Interval() / time.Second),
		LightSampleCount:   s.target.LightSampleCount(),
	}
}

// Update validates a desired patch and applies it to the producer. Nothing is reported.
func (s *Settings) Update(body []byte) error {
	desired, err := ParseDesired(body)
	if err != nil {
		return err
	}
	if err := desired.Validate(); err != nil {
		return err
	}

	if desired.ReportIntervalSecs != nil {
		s.target.SetInterval(time.Duration(*desired.ReportIntervalSecs) * time.Second)
	}
	if desired.LightSampleCount != nil {
		s.target.SetLightSampleCount(*desired.LightSampleCount)
	}

	return nil
}

// Report publishes the settings in effect.
func (s *Settings) Report(ctx context.Context) error {
	if s.reporter == nil {
		return nil
	}

	return s.reporter.ReportState(ctx, s.Current())
}

// HandleDesired is the hub callback for desired property patches.
func (s *Settings) HandleDesired(body []byte) {
	logger := log.WithField("component", "Settings").
		WithField("event", "desired")

	if err := s.Update(body); err != nil {
		logger.WithError(err).Error("failed to apply desired properties")
		return
	}

	current := s.Current()
	logger = logger.WithField("reportIntervalSecs", current.ReportIntervalSecs).
		WithField("lightSampleCount", current.LightSampleCount)

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := s.Report(ctx); err != nil {
		logger.WithError(err).Warn("settings applied but not reported")
		return
	}

	logger.Info("settings applied")
}
