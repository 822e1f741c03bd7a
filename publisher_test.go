package kaliot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
)

func testDataset() []Observation {
	first := testObservation()
	second := testObservation()
	second.Timestamp += 600000
	third := testObservation()
	third.Timestamp += 1200000

	return []Observation{first, second, third}
}

func TestPublisher_Process(t *testing.T) {
	dataset := testDataset()
	formatter := NewTelemetryFormatter("us-stl-c0001", DefaultTelemetryFields)

	mockDS := &MockDataStore{}
	mockDS.On("ReadUnpublished").Return(dataset, nil)
	mockDS.On("UpdatePublished", dataset[0].Timestamp, dataset[len(dataset)-1].Timestamp).Return(nil)

	transport := &mockTransport{}
	for _, obs := range dataset {
		body, err := formatter.Format(obs)
		if err != nil {
			t.Fatalf("unexpected error formatting observation: %v", err)
		}
		transport.On("Send", string(body)).Return(nil).Once()
	}

	publisher := NewPublisher(mockDS, formatter, transport)
	publisher.Process(context.Background())

	if !mockDS.AssertExpectations(t) {
		t.FailNow()
	}

	if !transport.AssertExpectations(t) {
		t.FailNow()
	}
}

func TestPublisher_ProcessStopsAtFirstFailure(t *testing.T) {
	dataset := testDataset()
	formatter := NewTelemetryFormatter("us-stl-c0001", DefaultTelemetryFields)

	mockDS := &MockDataStore{}
	mockDS.On("ReadUnpublished").Return(dataset, nil)
	mockDS.On("UpdatePublished", dataset[0].Timestamp, dataset[0].Timestamp).Return(nil)

	transport := &mockTransport{}
	transport.On("Send", mock.Anything).Return(nil).Once()
	transport.On("Send", mock.Anything).Return(errors.New("connection lost")).Once()

	publisher := NewPublisher(mockDS, formatter, transport)
	publisher.Process(context.Background())

	mockDS.AssertExpectations(t)
	transport.AssertNumberOfCalls(t, "Send", 2)
}

func TestPublisher_ProcessNothingSent(t *testing.T) {
	mockDS := &MockDataStore{}
	mockDS.On("ReadUnpublished").Return(testDataset(), nil)

	transport := &mockTransport{}
	transport.On("Send", mock.Anything).Return(errors.New("connection lost"))

	publisher := NewPublisher(mockDS, NewTelemetryFormatter("dev", DefaultTelemetryFields), transport)
	publisher.Process(context.Background())

	mockDS.AssertNotCalled(t, "UpdatePublished", mock.Anything, mock.Anything)
	transport.AssertNumberOfCalls(t, "Send", 1)
}

func TestPublisher_ProcessReadError(t *testing.T) {
	mockDS := &MockDataStore{}
	mockDS.On("ReadUnpublished").Return(nil, errors.New("database is locked"))

	transport := &mockTransport{}

	publisher := NewPublisher(mockDS, NewTelemetryFormatter("dev", DefaultTelemetryFields), transport)
	publisher.Process(context.Background())

	transport.AssertNotCalled(t, "Send", mock.Anything)
}
