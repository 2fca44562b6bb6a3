// Package trolley drives searchers, downloaders and storage sinks to get
// DICOM studies from a PACS onto storage.
package trolley

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/metrics"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/otcheredev/ris-dicom-trolley/internal/trolley"

// Trolley combines a searcher, a downloader and a storage sink. The searcher
// and downloader never talk to each other; when the downloader needs deeper
// identifiers the trolley queries for them.
type Trolley struct {
	searcher   adapters.Searcher
	downloader adapters.Downloader
	storage    storage.Storage

	workers   int
	observers []Observer
	tracer    trace.Tracer
	metrics   *metrics.Metrics
}

// Option configures a Trolley
type Option func(*Trolley)

// WithWorkers bounds how many items are worked on at once. 0 and 1 process
// items one at a time in input order.
func WithWorkers(n int) Option {
	return func(t *Trolley) {
		t.workers = n
	}
}

// WithObserver adds an observer of item outcomes and stored datasets
func WithObserver(o Observer) Option {
	return func(t *Trolley) {
		t.observers = append(t.observers, o)
	}
}

// WithTracer sets the tracer spans are recorded with
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Trolley) {
		t.tracer = tracer
	}
}

// WithMetrics records backfills, items and datasets
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Trolley) {
		t.metrics = m
	}
}

// New creates a trolley. A nil store saves to a Dir.
func New(searcher adapters.Searcher, downloader adapters.Downloader, store storage.Storage, opts ...Option) *Trolley {
	if store == nil {
		store = storage.NewDir()
	}
	t := &Trolley{
		searcher:   searcher,
		downloader: downloader,
		storage:    store,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Workers returns the configured worker bound
func (t *Trolley) Workers() int {
	return t.workers
}

// FindStudies passes query on to the searcher
func (t *Trolley) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	studies, err := t.searcher.FindStudies(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find studies: %w", err)
	}
	return studies, nil
}

// FindStudy is FindStudies for queries expected to match exactly one study
func (t *Trolley) FindStudy(ctx context.Context, query models.Query) (*models.Study, error) {
	return adapters.FindStudy(ctx, t.searcher, query)
}
