package trolley

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadBackfillsStudyReference(t *testing.T) {
	searcher := newFakeSearcher(testStudy("1.1", 3, 1))
	downloader := &fakeDownloader{level: models.LevelInstance}
	root := t.TempDir()

	tr := New(searcher, downloader, storage.NewDir())
	report, err := tr.Download(context.Background(), root, models.StudyRef("1.1"))
	require.NoError(t, err)

	calls := searcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1.1", calls[0].StudyInstanceUID)
	assert.Equal(t, models.LevelInstance, calls[0].Level())

	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, StateStored, item.State)
	assert.True(t, item.Backfilled)
	assert.Len(t, item.Resolved, 4)
	require.Len(t, item.Stored, 4)

	for _, ref := range testStudy("1.1", 3, 1).Flatten() {
		path := filepath.Join(root, ref.StudyUID, ref.SeriesUID, ref.InstanceUID)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, ref.String(), string(data))
	}
}

func TestDownloadDoesNotQueryWhenIdentifiersSuffice(t *testing.T) {
	searcher := newFakeSearcher()
	downloader := &fakeDownloader{level: models.LevelInstance}
	store := newMemStorage()

	tr := New(searcher, downloader, store)
	report, err := tr.Download(context.Background(), "/out", testStudy("1.3", 2, 2))
	require.NoError(t, err)

	assert.Empty(t, searcher.calls())
	assert.Len(t, report.Stored(), 4)
	assert.Equal(t, 4, store.count())
	for _, item := range report.Items {
		assert.False(t, item.Backfilled)
		assert.Equal(t, models.StudyRef("1.3"), item.Origin)
	}
}

func TestDownloadSeriesReferenceBackfillsOnlyThatSeries(t *testing.T) {
	searcher := newFakeSearcher(testStudy("1.1", 3, 1))
	store := newMemStorage()

	tr := New(searcher, &fakeDownloader{level: models.LevelInstance}, store)
	report, err := tr.Download(context.Background(), "/out", models.SeriesRef("1.1", "1.1.2"))
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, []models.Reference{models.InstanceRef("1.1", "1.1.2", "1.1.2.1")}, report.Items[0].Resolved)
	assert.Equal(t, 1, store.count())
}

func TestDownloadSkipsIgnorableItemErrors(t *testing.T) {
	items := instanceRefs(5)
	skipped := items[2].Ref()
	downloader := &fakeDownloader{
		errs:   map[string]error{skipped.InstanceUID: adapters.ErrDocumentMissing},
		ignore: adapters.IgnoreSet{adapters.ErrDocumentMissing},
	}
	store := newMemStorage()

	tr := New(newFakeSearcher(), downloader, store)
	report, err := tr.Download(context.Background(), "/out", items...)
	require.NoError(t, err)

	assert.Equal(t, 4, store.count())
	assert.Len(t, report.Stored(), 4)
	require.Len(t, report.Skipped(), 1)
	assert.Equal(t, skipped, report.Skipped()[0].Target)
	assert.Equal(t, []models.Reference{skipped}, report.SkippedRefs())
	assert.ErrorIs(t, report.Skipped()[0].Skipped[0].Err, adapters.ErrDocumentMissing)
	assert.True(t, report.Succeeded())
}

func TestDownloadAbortsOnItemError(t *testing.T) {
	items := instanceRefs(5)
	downloader := &fakeDownloader{
		errs:   map[string]error{items[2].Ref().InstanceUID: adapters.ErrServerError},
		ignore: adapters.IgnoreSet{adapters.ErrDocumentMissing},
	}
	store := newMemStorage()

	tr := New(newFakeSearcher(), downloader, store)
	report, err := tr.Download(context.Background(), "/out", items...)
	require.Error(t, err)
	assert.ErrorIs(t, err, adapters.ErrServerError)

	var itemErr *adapters.ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, items[2].Ref(), itemErr.Ref)

	assert.Equal(t, []State{StateStored, StateStored, StateFailed, StateUnattempted, StateUnattempted}, states(report))
	assert.Equal(t, 2, store.count())
	assert.False(t, report.Succeeded())
}

func TestDownloadStorageErrorIsFatal(t *testing.T) {
	items := instanceRefs(3)
	store := newMemStorage()
	store.failOn = items[1].Ref().InstanceUID

	tr := New(newFakeSearcher(), &fakeDownloader{}, store)
	report, err := tr.Download(context.Background(), "/out", items...)

	var storageErr *storage.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "/out/"+store.failOn, storageErr.Path)
	assert.Equal(t, []State{StateStored, StateFailed, StateUnattempted}, states(report))
}

func TestDownloadUnresolvableAfterBackfill(t *testing.T) {
	searcher := newFakeSearcher(testStudy("1.1", 2))
	downloader := &fakeDownloader{alwaysNeeds: true}

	tr := New(searcher, downloader, newMemStorage())
	report, err := tr.Download(context.Background(), "/out", models.StudyRef("1.1"))

	var unresolvable *UnresolvableError
	require.ErrorAs(t, err, &unresolvable)
	assert.Equal(t, models.StudyRef("1.1"), unresolvable.Target)

	// One backfill, never a second one
	assert.Len(t, searcher.calls(), 1)
	assert.EqualValues(t, 2, downloader.fetches.Load())
	assert.Equal(t, []State{StateFailed}, states(report))
}

func TestDownloadFailedBackfillOnlyFailsThatItem(t *testing.T) {
	searcher := newFakeSearcher(testStudy("1.1", 2))
	store := newMemStorage()

	tr := New(searcher, &fakeDownloader{level: models.LevelInstance}, store)
	report, err := tr.Download(context.Background(), "/out", models.StudyRef("9.9"), models.StudyRef("1.1"))

	var unresolvable *UnresolvableError
	require.ErrorAs(t, err, &unresolvable)
	assert.Equal(t, models.StudyRef("9.9"), unresolvable.Target)
	assert.Equal(t, models.LevelInstance, unresolvable.Level)

	assert.Equal(t, []State{StateFailed, StateStored}, states(report))
	assert.Equal(t, 2, store.count())
}

func TestDownloadQueryErrorBecomesUnresolvable(t *testing.T) {
	searcher := newFakeSearcher()
	searcher.err = &adapters.QueryError{Backend: "QIDO-RS", Err: adapters.ErrServerError}

	tr := New(searcher, &fakeDownloader{level: models.LevelInstance}, newMemStorage())
	_, err := tr.Download(context.Background(), "/out", models.StudyRef("1.1"))

	var unresolvable *UnresolvableError
	require.ErrorAs(t, err, &unresolvable)
	var queryErr *adapters.QueryError
	assert.ErrorAs(t, err, &queryErr)
	assert.ErrorIs(t, err, adapters.ErrServerError)
}

func TestDownloadConcurrent(t *testing.T) {
	items := instanceRefs(20)
	downloader := &fakeDownloader{delay: 5 * time.Millisecond}
	store := newMemStorage()

	tr := New(newFakeSearcher(), downloader, store, WithWorkers(4))
	report, err := tr.Download(context.Background(), "/out", items...)
	require.NoError(t, err)

	assert.Equal(t, 20, store.count())
	assert.Len(t, report.Stored(), 20)
	assert.LessOrEqual(t, downloader.maxRunning.Load(), int32(4))
	assert.Greater(t, downloader.maxRunning.Load(), int32(1))
}

func TestDownloadSequentialKeepsInputOrder(t *testing.T) {
	items := instanceRefs(6)
	store := newMemStorage()

	tr := New(newFakeSearcher(), &fakeDownloader{}, store, WithWorkers(1))
	_, err := tr.Download(context.Background(), "/out", items...)
	require.NoError(t, err)

	require.Len(t, store.order, 6)
	for i, item := range items {
		assert.Equal(t, item.Ref(), store.order[i])
	}
}

func TestDownloadConcurrentAbortLeavesNoItemPending(t *testing.T) {
	items := instanceRefs(12)
	downloader := &fakeDownloader{
		errs:  map[string]error{items[3].Ref().InstanceUID: adapters.ErrServerError},
		delay: 2 * time.Millisecond,
	}

	tr := New(newFakeSearcher(), downloader, newMemStorage(), WithWorkers(3))
	report, err := tr.Download(context.Background(), "/out", items...)
	require.ErrorIs(t, err, adapters.ErrServerError)

	assert.Equal(t, StateFailed, report.Items[3].State)
	assert.ErrorIs(t, report.Items[3].Err, adapters.ErrServerError)
	for i, item := range report.Items {
		assert.True(t, item.State.Terminal(), "item %s left in %s", item.Target, item.State)
		if i != 3 && item.State == StateFailed {
			// in flight when the download stopped
			assert.ErrorIs(t, item.Err, adapters.ErrCanceled)
		}
	}
	assert.Equal(t, len(items), len(report.Stored())+len(report.Failed())+len(report.Unattempted()))
}

func TestDownloadCanceledWhileFetchingStudy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStorage()
	observer := ObserverFuncs{
		OnDatasetStored: func(context.Context, uuid.UUID, models.Reference, string) {
			cancel()
		},
	}

	searcher := newFakeSearcher(testStudy("1.1", 3))
	downloader := &fakeDownloader{level: models.LevelInstance}
	tr := New(searcher, downloader, store, WithWorkers(1), WithObserver(observer))
	report, err := tr.Download(ctx, "/out", models.StudyRef("1.1"))
	require.ErrorIs(t, err, adapters.ErrCanceled)

	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, StateFailed, item.State)
	assert.ErrorIs(t, item.Err, adapters.ErrCanceled)
	assert.Len(t, item.Stored, 1)
	assert.Empty(t, report.Unattempted())
	assert.Equal(t, []*ItemOutcome{item}, report.Failed())
	assert.Equal(t, 1, store.count())
}

func TestDownloadConcurrentAbortKeepsStoredDatasetsOnItems(t *testing.T) {
	var studies []*models.Study
	var items []models.Downloadable
	for i := 1; i <= 6; i++ {
		uid := fmt.Sprintf("3.%d", i)
		studies = append(studies, testStudy(uid, 4))
		items = append(items, models.StudyRef(uid))
	}
	downloader := &fakeDownloader{
		level: models.LevelInstance,
		errs:  map[string]error{"3.2.1.3": adapters.ErrServerError},
		delay: 2 * time.Millisecond,
	}
	store := newMemStorage()

	tr := New(newFakeSearcher(studies...), downloader, store, WithWorkers(3))
	report, err := tr.Download(context.Background(), "/out", items...)
	require.ErrorIs(t, err, adapters.ErrServerError)

	assert.Equal(t, StateFailed, report.Items[1].State)
	assert.ErrorIs(t, report.Items[1].Err, adapters.ErrServerError)
	assert.Len(t, report.Items[1].Stored, 2)

	stored := 0
	for _, item := range report.Items {
		stored += len(item.Stored)
		switch item.State {
		case StateUnattempted:
			assert.Empty(t, item.Stored, "unattempted item %s has stored datasets", item.Target)
		case StateStored:
			assert.Len(t, item.Stored, 4)
		case StateFailed:
			assert.Error(t, item.Err)
		default:
			t.Errorf("item %s left in %s", item.Target, item.State)
		}
	}
	assert.Equal(t, stored, len(report.StoredPaths()))
	assert.Equal(t, stored, store.count())
}

func TestDownloadCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newMemStorage()
	tr := New(newFakeSearcher(), &fakeDownloader{}, store)
	report, err := tr.Download(ctx, "/out", instanceRefs(3)...)

	assert.ErrorIs(t, err, adapters.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Unattempted(), 3)
	assert.Zero(t, store.count())
}

func TestDownloadCanceledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStorage()
	observer := ObserverFuncs{
		OnDatasetStored: func(context.Context, uuid.UUID, models.Reference, string) {
			cancel()
		},
	}

	tr := New(newFakeSearcher(), &fakeDownloader{}, store, WithObserver(observer))
	report, err := tr.Download(ctx, "/out", instanceRefs(4)...)

	require.ErrorIs(t, err, adapters.ErrCanceled)
	assert.Equal(t, []State{StateStored, StateUnattempted, StateUnattempted, StateUnattempted}, states(report))
	assert.Equal(t, 1, store.count())
}

func TestDownloadDeadlineIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	tr := New(newFakeSearcher(), &fakeDownloader{}, newMemStorage())
	_, err := tr.Download(ctx, "/out", instanceRefs(2)...)

	assert.ErrorIs(t, err, adapters.ErrTimeout)
	assert.False(t, errors.Is(err, adapters.ErrCanceled))
}

func TestDownloadNotifiesObservers(t *testing.T) {
	items := instanceRefs(3)
	downloader := &fakeDownloader{
		errs:   map[string]error{items[0].Ref().InstanceUID: adapters.ErrDocumentMissing},
		ignore: adapters.IgnoreSet{adapters.ErrDocumentMissing},
	}

	var mu sync.Mutex
	var finished []State
	var stored []string
	observer := ObserverFuncs{
		OnDatasetStored: func(_ context.Context, _ uuid.UUID, _ models.Reference, path string) {
			mu.Lock()
			defer mu.Unlock()
			stored = append(stored, path)
		},
		OnItemFinished: func(_ context.Context, _ uuid.UUID, item *ItemOutcome) {
			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, item.State)
		},
	}

	tr := New(newFakeSearcher(), downloader, newMemStorage(), WithObserver(observer), WithWorkers(2))
	report, err := tr.Download(context.Background(), "/out", items...)
	require.NoError(t, err)

	assert.ElementsMatch(t, []State{StateSkipped, StateStored, StateStored}, finished)
	assert.ElementsMatch(t, report.StoredPaths(), stored)
}

func TestFetchAllDatasets(t *testing.T) {
	study := testStudy("1.1", 3, 1)
	searcher := newFakeSearcher(study)
	downloader := &fakeDownloader{
		level:  models.LevelInstance,
		errs:   map[string]error{"1.1.1.2": adapters.ErrDocumentMissing},
		ignore: adapters.IgnoreSet{adapters.ErrDocumentMissing},
	}

	tr := New(searcher, downloader, nil)
	var got []models.Reference
	for ds, err := range tr.FetchAllDatasets(context.Background(), models.StudyRef("1.1")) {
		require.NoError(t, err)
		got = append(got, ds.Ref)
		require.NoError(t, ds.Close())
	}

	assert.Equal(t, []models.Reference{
		models.InstanceRef("1.1", "1.1.1", "1.1.1.1"),
		models.InstanceRef("1.1", "1.1.1", "1.1.1.3"),
		models.InstanceRef("1.1", "1.1.2", "1.1.2.1"),
	}, got)
	assert.Len(t, searcher.calls(), 1)
}

func TestFetchAllDatasetsStopsAtFirstError(t *testing.T) {
	items := instanceRefs(4)
	downloader := &fakeDownloader{errs: map[string]error{items[1].Ref().InstanceUID: adapters.ErrMalformedResponse}}

	tr := New(newFakeSearcher(), downloader, nil)
	var datasets int
	var errs []error
	for ds, err := range tr.FetchAllDatasets(context.Background(), items...) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		datasets++
		ds.Close()
	}

	assert.Equal(t, 1, datasets)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], adapters.ErrMalformedResponse)
}

func TestFetchAllDatasetsEarlyBreak(t *testing.T) {
	tr := New(newFakeSearcher(), &fakeDownloader{}, nil)
	var n int
	for ds, err := range tr.FetchAllDatasets(context.Background(), instanceRefs(5)...) {
		require.NoError(t, err)
		ds.Close()
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestFindStudies(t *testing.T) {
	searcher := newFakeSearcher(testStudy("1.1", 1))
	tr := New(searcher, &fakeDownloader{}, nil)

	studies, err := tr.FindStudies(context.Background(), models.Query{StudyInstanceUID: "1.1"})
	require.NoError(t, err)
	require.Len(t, studies, 1)

	study, err := tr.FindStudy(context.Background(), models.Query{StudyInstanceUID: "1.1"})
	require.NoError(t, err)
	assert.Equal(t, "1.1", study.UID)

	_, err = tr.FindStudy(context.Background(), models.Query{StudyInstanceUID: "2.2"})
	assert.Error(t, err)

	searcher.err = fmt.Errorf("boom")
	_, err = tr.FindStudies(context.Background(), models.Query{})
	assert.ErrorContains(t, err, "boom")
}
