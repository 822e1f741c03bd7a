package kaliot

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Transport delivers one telemetry message upstream.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// Publisher is responsible for sending stored observations upstream.
type Publisher struct {
	datastore DataStore
	formatter *TelemetryFormatter
	transport Transport
	wakeCh    chan struct{}
}

// NewPublisher creates a new Publisher.
func NewPublisher(store DataStore, formatter *TelemetryFormatter, transport Transport) *Publisher {
	return &Publisher{
		datastore: store,
		formatter: formatter,
		transport: transport,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Notify asks the publisher to run as soon as possible, e.g. because a new observation was stored.
func (p *Publisher) Notify() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Run starts the publisher send loop. It returns when ctx is done.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wakeCh:
		case <-time.After(interval):
		}

		p.Process(ctx)
	}
}

// Process is called each Run iteration and is exposed for testing. Observations are sent oldest first, one message
// each; the first failure ends the round so the backlog stays in order.
func (p *Publisher) Process(ctx context.Context) {
	unpublishedObs, err := p.datastore.ReadUnpublished()
	if err != nil {
		log.WithError(err).
			WithField("component", "Publisher").
			WithField("event", "Run").
			Error("failed to read unpublished observations from store")
		return
	}

	if len(unpublishedObs) == 0 {
		log.WithField("component", "Publisher").
			WithField("event", "Run").
			Debug("no unpublished observations seen")
		return
	}

	sent := 0
	for _, obs := range unpublishedObs {
		body, err := p.formatter.Format(obs)
		if err != nil {
			log.WithError(err).
				WithField("component", "Publisher").
				WithField("event", "Run").
				WithField("timestamp", obs.Timestamp).
				Error("failed to format observation")
			break
		}

		if err := p.transport.Send(ctx, body); err != nil {
			log.WithError(err).
				WithField("component", "Publisher").
				WithField("event", "Run").
				WithField("timestamp", obs.Timestamp).
				Error("failed to send observation")
			break
		}

		log.WithField("component", "Publisher").
			WithField("event", "Run").
			WithField("message", string(body)).
			Info("observation sent")
		sent++
	}

	if sent == 0 {
		return
	}

	err = p.datastore.UpdatePublished(
		unpublishedObs[0].Timestamp,
		unpublishedObs[sent-1].Timestamp,
	)
	if err != nil {
		log.WithError(err).
			WithField("component", "Publisher").
			WithField("event", "Run").
			Error("failed to update published rows")
	}
}
