package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/trolley"
	"github.com/rs/zerolog/log"
)

// Observer turns trolley progress into published events. Publish failures
// are logged and never affect the download.
type Observer struct {
	publisher Publisher
	tenantID  uuid.UUID
}

// NewObserver publishes the progress of downloads run for tenantID
func NewObserver(publisher Publisher, tenantID uuid.UUID) *Observer {
	return &Observer{publisher: publisher, tenantID: tenantID}
}

func (o *Observer) DatasetStored(ctx context.Context, reportID uuid.UUID, ref models.Reference, path string) {
	err := o.publisher.PublishDatasetStored(ctx, DatasetStored{
		ReportID:    reportID,
		TenantID:    o.tenantID,
		StudyUID:    ref.StudyUID,
		SeriesUID:   ref.SeriesUID,
		InstanceUID: ref.InstanceUID,
		Path:        path,
	})
	if err != nil {
		log.Warn().Err(err).Str("report_id", reportID.String()).Str("ref", ref.String()).Msg("Failed to publish stored dataset event")
	}
}

func (o *Observer) ItemFinished(ctx context.Context, reportID uuid.UUID, item *trolley.ItemOutcome) {
	event := ItemFinished{
		ReportID:    reportID,
		TenantID:    o.tenantID,
		StudyUID:    item.Target.StudyUID,
		SeriesUID:   item.Target.SeriesUID,
		InstanceUID: item.Target.InstanceUID,
		State:       string(item.State),
		Stored:      len(item.Stored),
		Skipped:     len(item.Skipped),
		Backfilled:  item.Backfilled,
	}
	if item.Err != nil {
		event.Error = item.Err.Error()
	}
	if err := o.publisher.PublishItemFinished(ctx, event); err != nil {
		log.Warn().Err(err).Str("report_id", reportID.String()).Msg("Failed to publish item event")
	}
}
