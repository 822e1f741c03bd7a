package kaliot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	calls int
}

func (cn *countingNotifier) Notify() {
	cn.calls++
}

func newTestProducer(atmos *mockAtmosProvider, light *mockLightProvider, store *MockDataStore) *SensorProducer {
	producer := NewSensorProducer(atmos, light, store, 10*time.Minute)
	producer.now = fixedClock(time.Unix(1580339947, 0))

	return producer
}

func TestSensorProducer_Process(t *testing.T) {
	atmos := newAtmosReadings(45.464, 1006.5325814481472, 44.229378200128124)
	light := newLightReadings(412, 388, 301, 1024, 258.3427300000001, 4456.741877094621)

	atmosProvider := &mockAtmosProvider{}
	atmosProvider.On("Readings").Return(&atmos, nil)
	lightProvider := &mockLightProvider{samples: DefaultLightSampleCount}
	lightProvider.On("Readings").Return(&light, nil)

	expected := Observation{
		Timestamp:       1580339947000,
		AtmosReadings:   atmos,
		LightReadings:   light,
		IntervalSeconds: 600,
	}
	store := &MockDataStore{}
	store.On("Write", expected).Return(nil)

	notifier := &countingNotifier{}
	producer := newTestProducer(atmosProvider, lightProvider, store)
	producer.SetNotifier(notifier)

	assert.Nil(t, producer.Latest())

	producer.Process(context.Background())

	store.AssertExpectations(t)
	assert.Equal(t, 1, notifier.calls)

	latest := producer.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, expected, *latest)
}

func TestSensorProducer_ProcessSensorFailure(t *testing.T) {
	atmosProvider := &mockAtmosProvider{}
	atmosProvider.On("Readings").Return(nil, errors.New("short read"))
	lightProvider := &mockLightProvider{}

	store := &MockDataStore{}
	notifier := &countingNotifier{}

	producer := newTestProducer(atmosProvider, lightProvider, store)
	producer.SetNotifier(notifier)
	producer.Process(context.Background())

	lightProvider.AssertNotCalled(t, "Readings")
	store.AssertNotCalled(t, "Write", mock.Anything)
	assert.Zero(t, notifier.calls)
	assert.Nil(t, producer.Latest())
}

func TestSensorProducer_ProcessLightFailure(t *testing.T) {
	atmos := newAtmosReadings(20, 1000, 50)
	atmosProvider := &mockAtmosProvider{}
	atmosProvider.On("Readings").Return(&atmos, nil)
	lightProvider := &mockLightProvider{}
	lightProvider.On("Readings").Return(nil, ErrNotConnected)

	store := &MockDataStore{}

	producer := newTestProducer(atmosProvider, lightProvider, store)
	producer.Process(context.Background())

	store.AssertNotCalled(t, "Write", mock.Anything)
}

func TestSensorProducer_ProcessWriteFailure(t *testing.T) {
	atmos := newAtmosReadings(20, 1000, 50)
	light := newLightReadings(1, 2, 3, 4, 5, 6)
	atmosProvider := &mockAtmosProvider{}
	atmosProvider.On("Readings").Return(&atmos, nil)
	lightProvider := &mockLightProvider{}
	lightProvider.On("Readings").Return(&light, nil)

	store := &MockDataStore{}
	store.On("Write", mock.Anything).Return(errors.New("disk full"))
	notifier := &countingNotifier{}

	producer := newTestProducer(atmosProvider, lightProvider, store)
	producer.SetNotifier(notifier)
	producer.Process(context.Background())

	assert.Zero(t, notifier.calls)
	assert.Nil(t, producer.Latest())
}

func TestSensorProducer_Settings(t *testing.T) {
	lightProvider := &mockLightProvider{samples: DefaultLightSampleCount}
	producer := newTestProducer(&mockAtmosProvider{}, lightProvider, &MockDataStore{})

	assert.Equal(t, 10*time.Minute, producer.Interval())
	producer.SetInterval(30 * time.Second)
	assert.Equal(t, 30*time.Second, producer.Interval())
	producer.SetInterval(0)
	assert.Equal(t, 30*time.Second, producer.Interval())

	assert.Equal(t, DefaultLightSampleCount, producer.LightSampleCount())
	producer.SetLightSampleCount(20)
	assert.Equal(t, 20, producer.LightSampleCount())
}

func TestSensorProducer_RunWake(t *testing.T) {
	atmos := newAtmosReadings(20, 1000, 50)
	light := newLightReadings(1, 2, 3, 4, 5, 6)
	atmosProvider := &mockAtmosProvider{}
	atmosProvider.On("Readings").Return(&atmos, nil)
	lightProvider := &mockLightProvider{}
	lightProvider.On("Readings").Return(&light, nil)

	written := make(chan struct{}, 4)
	store := &MockDataStore{}
	store.On("Write", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		written <- struct{}{}
	})

	producer := newTestProducer(atmosProvider, lightProvider, store)
	producer.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- producer.Run(ctx)
	}()

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("first observation was not taken immediately")
	}

	producer.Wake()
	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("wake did not force an observation")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
