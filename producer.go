package kaliot

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Notifier is told when a new observation has been stored.
type Notifier interface {
	Notify()
}

// SensorProducer collects readings from the sensors once per report interval and stores them as observations.
type SensorProducer struct {
	atmosProvider AtmosphericSensorProvider
	lightProvider LightSensorProvider
	datastore     DataStore
	notifier      Notifier

	intervalLock sync.RWMutex
	interval     time.Duration
	wakeCh       chan struct{}

	latestLock sync.RWMutex
	latest     *Observation

	now func() time.Time
}

// NewSensorProducer creates and returns a SensorProducer.
func NewSensorProducer(atmosProvider AtmosphericSensorProvider, lightProvider LightSensorProvider, store DataStore,
	interval time.Duration) *SensorProducer {
	return &SensorProducer{
		atmosProvider: atmosProvider,
		lightProvider: lightProvider,
		datastore:     store,
		interval:      interval,
		wakeCh:        make(chan struct{}, 1),
		now:           time.Now,
	}
}

// SetNotifier registers who is told about each stored observation.
func (sp *SensorProducer) SetNotifier(n Notifier) {
	sp.notifier = n
}

// Interval returns the current report interval.
func (sp *SensorProducer) Interval() time.Duration {
	sp.intervalLock.RLock()
	defer sp.intervalLock.RUnlock()

	return sp.interval
}

// SetInterval changes the report interval. It applies from the next wait on.
func (sp *SensorProducer) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	sp.intervalLock.Lock()
	sp.interval = interval
	sp.intervalLock.Unlock()

	log.WithField("component", "Producer").
		WithField("event", "settings").
		WithField("interval", interval.String()).
		Info("report interval changed")
}

// LightSampleCount returns the number of raw colour samples averaged per reading.
func (sp *SensorProducer) LightSampleCount() int {
	return sp.lightProvider.SampleCount()
}

// SetLightSampleCount changes the number of raw colour samples averaged per reading.
func (sp *SensorProducer) SetLightSampleCount(n int) {
	sp.lightProvider.SetSampleCount(n)
}

// Wake forces a reading at the next opportunity.
func (sp *SensorProducer) Wake() {
	select {
	case sp.wakeCh <- struct{}{}:
	default:
	}
}

// Latest returns the most recent stored observation, or nil if there is none yet.
func (sp *SensorProducer) Latest() *Observation {
	sp.latestLock.RLock()
	defer sp.latestLock.RUnlock()

	if sp.latest == nil {
		return nil
	}
	obs := *sp.latest

	return &obs
}

// Poll reads every sensor once. Any sensor failure fails the whole observation.
func (sp *SensorProducer) Poll(ctx context.Context) (*Observation, error) {
	atmosReadings, err := sp.atmosProvider.Readings(ctx)
	if err != nil {
		return nil, err
	}

	lightReadings, err := sp.lightProvider.Readings(ctx)
	if err != nil {
		return nil, err
	}

	return &Observation{
		Timestamp:       sp.now().UnixNano() / int64(time.Millisecond),
		AtmosReadings:   *atmosReadings,
		LightReadings:   *lightReadings,
		IntervalSeconds: int(sp.Interval() / time.Second),
	}, nil
}

// Run starts the collector for gathering and saving readings. The first reading is taken immediately. It returns
// when ctx is done.
func (sp *SensorProducer) Run(ctx context.Context) error {
	for {
		sp.Process(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-sp.wakeCh:
		case <-time.After(sp.Interval()):
		}
	}
}

// Process is called each Run iteration and is exposed for testing.
func (sp *SensorProducer) Process(ctx context.Context) {
	obs, err := sp.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).
			WithField("component", "Producer").
			WithField("event", "Run").
			Error("failed to read sensors, skipping report")
		return
	}

	if err := sp.datastore.Write(*obs); err != nil {
		log.WithError(err).
			WithField("component", "Producer").
			WithField("event", "Run").
			Error("failed to store observation")
		return
	}

	log.WithField("component", "Producer").
		WithField("event", "Run").
		WithField("temperature", obs.AtmosReadings.Temperature).
		WithField("pressure", obs.AtmosReadings.Pressure).
		WithField("humidity", obs.AtmosReadings.Humidity).
		WithField("lux", obs.LightReadings.Lux).
		Info("observation stored")

	sp.latestLock.Lock()
	sp.latest = obs
	sp.latestLock.Unlock()

	if sp.notifier != nil {
		sp.notifier.Notify()
	}
}
