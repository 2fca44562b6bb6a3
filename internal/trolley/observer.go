package trolley

import (
	"context"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Observer is told about progress of a download. Calls may come from several
// workers at once. The context is detached from the download's cancellation.
type Observer interface {
	DatasetStored(ctx context.Context, reportID uuid.UUID, ref models.Reference, path string)
	ItemFinished(ctx context.Context, reportID uuid.UUID, item *ItemOutcome)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnDatasetStored func(ctx context.Context, reportID uuid.UUID, ref models.Reference, path string)
	OnItemFinished  func(ctx context.Context, reportID uuid.UUID, item *ItemOutcome)
}

func (f ObserverFuncs) DatasetStored(ctx context.Context, reportID uuid.UUID, ref models.Reference, path string) {
	if f.OnDatasetStored != nil {
		f.OnDatasetStored(ctx, reportID, ref, path)
	}
}

func (f ObserverFuncs) ItemFinished(ctx context.Context, reportID uuid.UUID, item *ItemOutcome) {
	if f.OnItemFinished != nil {
		f.OnItemFinished(ctx, reportID, item)
	}
}

func (t *Trolley) notifyStored(ctx context.Context, reportID uuid.UUID, ref models.Reference, path string) {
	for _, o := range t.observers {
		o.DatasetStored(context.WithoutCancel(ctx), reportID, ref, path)
	}
}

func (t *Trolley) notifyFinished(ctx context.Context, reportID uuid.UUID, item *ItemOutcome) {
	t.metrics.Item(string(item.State))
	for _, o := range t.observers {
		o.ItemFinished(context.WithoutCancel(ctx), reportID, item)
	}
}
