package kaliot

import (
	"context"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockDataStore struct {
	mock.Mock
}

func (m *MockDataStore) Write(obs Observation) error {
	args := m.Called(obs)
	return args.Error(0)
}

func (m *MockDataStore) ReadUnpublished() ([]Observation, error) {
	args := m.Called()
	obs, _ := args.Get(0).([]Observation)
	return obs, args.Error(1)
}

func (m *MockDataStore) UpdatePublished(minTimestamp, maxTimestamp int64) error {
	args := m.Called(minTimestamp, maxTimestamp)
	return args.Error(0)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, payload []byte) error {
	args := m.Called(string(payload))
	return args.Error(0)
}

type mockHTTPClient struct {
	req *http.Request
	mock.Mock
}

func (mh *mockHTTPClient) Do(r *http.Request) (*http.Response, error) {
	mh.req = r
	args := mh.Called(r)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

type mockAtmosProvider struct {
	mock.Mock
}

func (m *mockAtmosProvider) Connect() error { return m.Called().Error(0) }

func (m *mockAtmosProvider) Disconnect() { m.Called() }

func (m *mockAtmosProvider) Readings(ctx context.Context) (*AtmosphericReadings, error) {
	args := m.Called()
	r, _ := args.Get(0).(*AtmosphericReadings)
	return r, args.Error(1)
}

type mockLightProvider struct {
	mock.Mock
	samples int
}

func (m *mockLightProvider) Connect() error { return m.Called().Error(0) }

func (m *mockLightProvider) Disconnect() { m.Called() }

func (m *mockLightProvider) Readings(ctx context.Context) (*LightReadings, error) {
	args := m.Called()
	r, _ := args.Get(0).(*LightReadings)
	return r, args.Error(1)
}

func (m *mockLightProvider) SampleCount() int { return m.samples }

func (m *mockLightProvider) SetSampleCount(n int) { m.samples = n }

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) ReportState(ctx context.Context, state interface{}) error {
	return m.Called(state).Error(0)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
