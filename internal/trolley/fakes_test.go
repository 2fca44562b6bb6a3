package trolley

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
)

// testStudy builds study uid with one series per size, holding that many instances
func testStudy(uid string, sizes ...int) *models.Study {
	study := &models.Study{UID: uid, Attributes: map[string]string{"StudyInstanceUID": uid}}
	for i, n := range sizes {
		series := &models.Series{UID: fmt.Sprintf("%s.%d", uid, i+1), StudyUID: uid}
		for j := 0; j < n; j++ {
			series.Instances = append(series.Instances, &models.Instance{
				UID:       fmt.Sprintf("%s.%d", series.UID, j+1),
				StudyUID:  uid,
				SeriesUID: series.UID,
			})
		}
		study.Series = append(study.Series, series)
	}
	return study
}

func instanceRefs(n int) []models.Downloadable {
	var refs []models.Downloadable
	for i := 1; i <= n; i++ {
		refs = append(refs, models.InstanceRef("1.2", "1.2.1", fmt.Sprintf("1.2.1.%d", i)))
	}
	return refs
}

type fakeSearcher struct {
	mu      sync.Mutex
	studies map[string]*models.Study
	err     error
	queries []models.Query
}

func newFakeSearcher(studies ...*models.Study) *fakeSearcher {
	s := &fakeSearcher{studies: make(map[string]*models.Study)}
	for _, study := range studies {
		s.studies[study.UID] = study
	}
	return s
}

func (s *fakeSearcher) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if study, ok := s.studies[query.StudyInstanceUID]; ok {
		return []*models.Study{study}, nil
	}
	return nil, nil
}

func (s *fakeSearcher) calls() []models.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Query(nil), s.queries...)
}

// fakeDownloader serves references down to level, failing the instances
// listed in errs with the given cause
type fakeDownloader struct {
	level       models.Level
	alwaysNeeds bool
	errs        map[string]error
	ignore      adapters.IgnoreSet
	delay       time.Duration

	running    atomic.Int32
	maxRunning atomic.Int32
	fetches    atomic.Int32
}

func (d *fakeDownloader) Fetch(ctx context.Context, dl models.Downloadable) adapters.FetchResult {
	d.fetches.Add(1)
	refs := dl.Flatten()
	for _, ref := range refs {
		if d.alwaysNeeds || (d.level != "" && ref.Level().Depth() < d.level.Depth()) {
			return adapters.NeedsMoreDetail(models.LevelInstance)
		}
	}

	return adapters.Stream(func(yield func(*models.Dataset, error) bool) {
		n := d.running.Add(1)
		defer d.running.Add(-1)
		for {
			max := d.maxRunning.Load()
			if n <= max || d.maxRunning.CompareAndSwap(max, n) {
				break
			}
		}

		for _, ref := range refs {
			if d.delay > 0 {
				select {
				case <-time.After(d.delay):
				case <-ctx.Done():
				}
			}
			if err := ctx.Err(); err != nil {
				yield(nil, &adapters.ItemError{Ref: ref, Cause: adapters.ClassifyError(err)})
				return
			}
			if cause, ok := d.errs[ref.InstanceUID]; ok {
				itemErr := d.ignore.ItemError(ref, cause)
				if !yield(nil, itemErr) || !itemErr.Ignored {
					return
				}
				continue
			}
			ds := &models.Dataset{
				Ref:         ref,
				ContentType: "application/dicom",
				Size:        int64(len(ref.String())),
				Body:        io.NopCloser(strings.NewReader(ref.String())),
			}
			if !yield(ds, nil) {
				return
			}
		}
	})
}

// memStorage keeps saved payloads in memory
type memStorage struct {
	mu     sync.Mutex
	saved  map[models.Reference]string
	order  []models.Reference
	failOn string
}

func newMemStorage() *memStorage {
	return &memStorage{saved: make(map[models.Reference]string)}
}

func (m *memStorage) Save(ctx context.Context, ds *models.Dataset, root string) (string, error) {
	path := root + "/" + ds.Ref.InstanceUID
	if ds.Ref.InstanceUID == m.failOn {
		return "", &storage.StorageError{Path: path, Err: fmt.Errorf("disk full")}
	}
	data, err := io.ReadAll(ds.Body)
	if err != nil {
		return "", &storage.StorageError{Path: path, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[ds.Ref] = string(data)
	m.order = append(m.order, ds.Ref)
	return path, nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func states(report *Report) []State {
	var s []State
	for _, item := range report.Items {
		s = append(s, item.State)
	}
	return s
}
