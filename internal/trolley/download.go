package trolley

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Download fetches every dataset in items and saves it under root.
//
// All items are resolved first, then fetched and stored. A failure to resolve
// fails that item only. A non ignorable item error or a storage error stops
// the download: work in flight is abandoned and the remaining items are
// reported unattempted. The report is returned with the first fatal error,
// which is adapters.ErrCanceled or adapters.ErrTimeout when ctx ended the
// download.
func (t *Trolley) Download(ctx context.Context, root string, items ...models.Downloadable) (*Report, error) {
	work := workItems(items)
	report := &Report{ID: uuid.New(), Root: root, StartedAt: time.Now()}
	for _, w := range work {
		report.Items = append(report.Items, w.outcome)
	}

	ctx, span := t.tracer.Start(ctx, "trolley.Download", trace.WithAttributes(
		attribute.String("trolley.report_id", report.ID.String()),
		attribute.Int("trolley.items", len(work)),
		attribute.Int("trolley.workers", t.workers),
	))
	defer span.End()

	log.Info().
		Str("report_id", report.ID.String()).
		Int("items", len(work)).
		Int("workers", t.workers).
		Str("root", root).
		Msg("Starting download")

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	t.each(work, func(w *workItem) {
		if runCtx.Err() != nil {
			return
		}
		start := time.Now()
		err := t.resolve(runCtx, w)
		w.outcome.Duration += time.Since(start)
		if err == nil || interrupted(ctx, runCtx, err) {
			return
		}
		w.outcome.fail(err)
		log.Error().
			Err(err).
			Str("report_id", report.ID.String()).
			Str("target", w.outcome.Target.String()).
			Msg("Failed to resolve item")
		t.notifyFinished(ctx, report.ID, w.outcome)
	})

	t.each(work, func(w *workItem) {
		if w.stream == nil || runCtx.Err() != nil {
			return
		}
		start := time.Now()
		err := t.dispatch(runCtx, report, w)
		w.outcome.Duration += time.Since(start)
		if err != nil {
			if interrupted(ctx, runCtx, err) {
				// Started items may have stored datasets already
				w.outcome.fail(stopped(ctx, err))
				t.notifyFinished(ctx, report.ID, w.outcome)
				return
			}
			w.outcome.fail(err)
			abort(err)
			log.Error().
				Err(err).
				Str("report_id", report.ID.String()).
				Str("target", w.outcome.Target.String()).
				Msg("Download failed, stopping")
		} else {
			if len(w.outcome.Stored) == 0 && len(w.outcome.Skipped) == 0 {
				log.Warn().
					Str("report_id", report.ID.String()).
					Str("target", w.outcome.Target.String()).
					Msg("Item yielded no datasets")
			}
			w.outcome.finish()
		}
		t.notifyFinished(ctx, report.ID, w.outcome)
	})

	for _, w := range work {
		switch {
		case w.outcome.State == StateFetching:
			w.outcome.fail(stopped(ctx, context.Cause(runCtx)))
		case !w.outcome.State.Terminal():
			w.outcome.advance(StateUnattempted)
		default:
			continue
		}
		t.notifyFinished(ctx, report.ID, w.outcome)
	}
	report.FinishedAt = time.Now()

	err := downloadError(ctx, runCtx, work)
	if err != nil {
		recordError(span, err)
		log.Warn().
			Err(err).
			Str("report", report.String()).
			Msg("Download finished with errors")
		return report, err
	}

	log.Info().
		Str("report", report.String()).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Download completed")
	return report, nil
}

// FetchAllDatasets yields every dataset in items without storing it. Items
// are resolved and fetched one at a time in input order. Skipped datasets
// are logged and left out. The sequence ends after the first error. The
// consumer owns each dataset and must close it.
func (t *Trolley) FetchAllDatasets(ctx context.Context, items ...models.Downloadable) iter.Seq2[*models.Dataset, error] {
	return func(yield func(*models.Dataset, error) bool) {
		for _, w := range workItems(items) {
			if err := ctx.Err(); err != nil {
				yield(nil, adapters.ClassifyError(err))
				return
			}
			if err := t.resolve(ctx, w); err != nil {
				yield(nil, err)
				return
			}
			for ds, err := range w.stream {
				if err != nil {
					if itemErr, ok := ignored(err); ok {
						log.Warn().Err(itemErr.Cause).Str("ref", itemErr.Ref.String()).Msg("Skipping dataset")
						continue
					}
					yield(nil, err)
					return
				}
				if ds == nil {
					continue
				}
				if !yield(ds, nil) {
					return
				}
			}
		}
	}
}

// each runs fn over work, one item at a time in order or on up to
// t.workers goroutines
func (t *Trolley) each(work []*workItem, fn func(*workItem)) {
	if t.workers <= 1 {
		for _, w := range work {
			fn(w)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(t.workers)
	for _, w := range work {
		g.Go(func() error {
			fn(w)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch drains the item's stream into storage
func (t *Trolley) dispatch(ctx context.Context, report *Report, item *workItem) error {
	ctx, span := t.tracer.Start(ctx, "trolley.fetch", trace.WithAttributes(
		attribute.String("dicom.target", item.outcome.Target.String()),
	))
	defer span.End()

	item.outcome.advance(StateFetching)
	for ds, err := range item.stream {
		if err != nil {
			if itemErr, ok := ignored(err); ok {
				item.outcome.Skipped = append(item.outcome.Skipped, SkippedDataset{Ref: itemErr.Ref, Err: itemErr.Cause})
				t.metrics.Dataset("skipped", 0)
				log.Warn().
					Err(itemErr.Cause).
					Str("report_id", report.ID.String()).
					Str("ref", itemErr.Ref.String()).
					Msg("Skipping dataset")
				if err := ctx.Err(); err != nil {
					return err
				}
				continue
			}
			t.metrics.Dataset("failed", 0)
			recordError(span, err)
			return err
		}
		if ds == nil {
			continue
		}

		path, err := t.save(ctx, ds, report.Root)
		if err != nil {
			t.metrics.Dataset("failed", 0)
			recordError(span, err)
			return err
		}
		item.outcome.Stored = append(item.outcome.Stored, StoredDataset{Ref: ds.Ref, Path: path})
		t.notifyStored(ctx, report.ID, ds.Ref, path)
	}
	span.SetAttributes(
		attribute.Int("trolley.stored", len(item.outcome.Stored)),
		attribute.Int("trolley.skipped", len(item.outcome.Skipped)),
	)
	return nil
}

// save stores ds and closes it
func (t *Trolley) save(ctx context.Context, ds *models.Dataset, root string) (string, error) {
	defer ds.Close()

	start := time.Now()
	path, err := t.storage.Save(ctx, ds, root)
	t.metrics.ObserveStorage(time.Since(start), err)
	if err != nil {
		return "", err
	}
	t.metrics.Dataset("stored", ds.Size)

	log.Debug().
		Str("ref", ds.Ref.String()).
		Str("path", path).
		Msg("Stored dataset")
	return path, nil
}

func ignored(err error) (*adapters.ItemError, bool) {
	var itemErr *adapters.ItemError
	if errors.As(err, &itemErr) && itemErr.Ignored {
		return itemErr, true
	}
	return nil, false
}

// interrupted reports whether err only came from the download being stopped,
// by the caller or by another item's failure
func interrupted(ctx, runCtx context.Context, err error) bool {
	if runCtx.Err() == nil {
		return false
	}
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, adapters.ErrCanceled)
}

// stopped is the error recorded on an item cut off while fetching
func stopped(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return adapters.ClassifyError(ctxErr)
	}
	return adapters.ClassifyError(err)
}

// downloadError picks the error Download returns: cancellation by the caller,
// then the failure that stopped the download, then the first failed item
func downloadError(ctx, runCtx context.Context, work []*workItem) error {
	if err := ctx.Err(); err != nil {
		return adapters.ClassifyError(err)
	}
	if cause := context.Cause(runCtx); cause != nil {
		return cause
	}
	for _, w := range work {
		if w.outcome.State == StateFailed {
			return w.outcome.Err
		}
	}
	return nil
}
