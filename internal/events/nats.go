// Package events publishes download progress to NATS JetStream so other
// services can pick up stored datasets as they land.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects events are published on
const (
	StreamName            = "TROLLEY_DOWNLOADS"
	SubjectDatasetStored  = "trolley.datasets.stored"
	SubjectItemFinished   = "trolley.items.finished"
	subjectWildcard       = "trolley.>"
	envelopeSchemaVersion = "1.0.0"
)

// DatasetStored is published for every dataset written to storage
type DatasetStored struct {
	ReportID    uuid.UUID `json:"report_id"`
	TenantID    uuid.UUID `json:"tenant_id,omitzero"`
	StudyUID    string    `json:"study_uid"`
	SeriesUID   string    `json:"series_uid"`
	InstanceUID string    `json:"instance_uid"`
	Path        string    `json:"path"`
}

// ItemFinished is published when a work item of a download reaches its final state
type ItemFinished struct {
	ReportID    uuid.UUID `json:"report_id"`
	TenantID    uuid.UUID `json:"tenant_id,omitzero"`
	StudyUID    string    `json:"study_uid"`
	SeriesUID   string    `json:"series_uid,omitempty"`
	InstanceUID string    `json:"instance_uid,omitempty"`
	State       string    `json:"state"`
	Stored      int       `json:"stored"`
	Skipped     int       `json:"skipped"`
	Backfilled  bool      `json:"backfilled"`
	Error       string    `json:"error,omitempty"`
}

// Envelope wraps every event payload
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id"`
	Payload       any       `json:"payload"`
}

// Publisher sends download events
type Publisher interface {
	PublishDatasetStored(ctx context.Context, event DatasetStored) error
	PublishItemFinished(ctx context.Context, event ItemFinished) error
	Close() error
}

// noop is used when NATS is not configured or cannot be reached
type noop struct{}

func (noop) PublishDatasetStored(ctx context.Context, event DatasetStored) error { return nil }
func (noop) PublishItemFinished(ctx context.Context, event ItemFinished) error   { return nil }
func (noop) Close() error                                                        { return nil }

// Noop returns a publisher that drops every event
func Noop() Publisher {
	return noop{}
}

// jetStream is the part of nats.JetStreamContext the publisher uses
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes events to a JetStream stream
type NATSPublisher struct {
	nc  *nats.Conn
	js  jetStream
	now func() time.Time
}

// NewPublisher connects to url. An empty url, a failed connection or a
// missing JetStream all give the noop publisher, with a warning logged.
func NewPublisher(url string) Publisher {
	if url == "" {
		return Noop()
	}

	nc, err := nats.Connect(url, nats.Name("dicom-trolley"))
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("NATS connect failed, using noop publisher")
		return Noop()
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Warn().Err(err).Msg("NATS JetStream context creation failed, using noop publisher")
		nc.Close()
		return Noop()
	}

	if err := initStream(js); err != nil {
		log.Warn().Err(err).Msg("NATS stream initialization failed, using noop publisher")
		nc.Close()
		return Noop()
	}

	log.Info().Str("url", url).Str("stream", StreamName).Msg("Publishing download events to NATS")
	return &NATSPublisher{nc: nc, js: js, now: time.Now}
}

func initStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectWildcard},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// PublishDatasetStored publishes on SubjectDatasetStored
func (p *NATSPublisher) PublishDatasetStored(ctx context.Context, event DatasetStored) error {
	return p.publish(ctx, SubjectDatasetStored, event)
}

// PublishItemFinished publishes on SubjectItemFinished
func (p *NATSPublisher) PublishItemFinished(ctx context.Context, event ItemFinished) error {
	return p.publish(ctx, SubjectItemFinished, event)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, payload any) error {
	b, err := json.Marshal(Envelope{
		Type:          subject,
		Version:       envelopeSchemaVersion,
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
