package trolley

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// workItem is one flattened tuple on its way through the trolley
type workItem struct {
	outcome *ItemOutcome
	stream  adapters.DatasetStream
}

// workItems flattens the inputs into one item per leaf reference
func workItems(items []models.Downloadable) []*workItem {
	var work []*workItem
	for _, d := range items {
		origin := d.Ref()
		for _, ref := range d.Flatten() {
			work = append(work, &workItem{outcome: &ItemOutcome{
				Target: ref,
				Origin: origin,
				State:  StatePending,
			}})
		}
	}
	return work
}

// resolve asks the downloader for the item's stream. When the downloader
// needs deeper identifiers they are backfilled from the searcher, once.
func (t *Trolley) resolve(ctx context.Context, item *workItem) error {
	target := item.outcome.Target
	ctx, span := t.tracer.Start(ctx, "trolley.resolve", trace.WithAttributes(
		attribute.String("dicom.target", target.String()),
	))
	defer span.End()

	res := t.downloader.Fetch(ctx, target)
	if res.Kind() == adapters.FetchNeedsMoreDetail {
		item.outcome.advance(StateResolving)
		item.outcome.Backfilled = true
		span.SetAttributes(attribute.String("trolley.backfill_level", string(res.Level())))

		resolved, err := t.backfill(ctx, target, res.Level())
		if err != nil {
			recordError(span, err)
			return err
		}
		item.outcome.Resolved = resolved.Flatten()

		res = t.downloader.Fetch(ctx, resolved)
		if res.Kind() == adapters.FetchNeedsMoreDetail {
			err := &UnresolvableError{
				Target: target,
				Level:  res.Level(),
				Err:    fmt.Errorf("downloader still needs %s level identifiers after backfill", res.Level()),
			}
			recordError(span, err)
			return err
		}
	}

	if res.Kind() == adapters.FetchFailed {
		recordError(span, res.Err())
		return res.Err()
	}

	item.stream = res.Datasets()
	item.outcome.advance(StateResolved)
	return nil
}

// backfill queries the study of target down to level and returns the part of
// it that lies within target
func (t *Trolley) backfill(ctx context.Context, target models.Reference, level models.Level) (models.Downloadable, error) {
	if !level.Valid() || target.Level().Depth() >= level.Depth() {
		return nil, &UnresolvableError{
			Target: target,
			Level:  level,
			Err:    fmt.Errorf("downloader rejected %s level identifiers", target.Level()),
		}
	}

	log.Debug().
		Str("target", target.String()).
		Str("level", string(level)).
		Msg("Downloader needs more detail, querying searcher")

	study, err := adapters.FindStudyByID(ctx, t.searcher, target, level)
	t.metrics.Backfill(string(level), err)
	if err != nil {
		return nil, &UnresolvableError{Target: target, Level: level, Err: err}
	}

	refs, err := models.ContainedReferences(study, level)
	if err != nil {
		return nil, &UnresolvableError{Target: target, Level: level, Err: err}
	}
	var within []models.Reference
	for _, ref := range refs {
		if target.Contains(ref) {
			within = append(within, ref)
		}
	}

	resolved, err := models.StudyOf(within)
	if err != nil {
		return nil, &UnresolvableError{Target: target, Level: level, Err: err}
	}

	log.Debug().
		Str("target", target.String()).
		Int("references", len(within)).
		Msg("Backfilled references")

	return resolved, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
