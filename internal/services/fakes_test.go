package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/repository"
)

type fakePACSStore struct {
	mu       sync.Mutex
	configs  []models.PACSConfig
	statuses map[uuid.UUID]*models.ConnectionStatus
}

func (f *fakePACSStore) Create(ctx context.Context, config *models.PACSConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if config.ID == uuid.Nil {
		config.ID = uuid.New()
	}
	f.configs = append(f.configs, *config)
	return nil
}

func (f *fakePACSStore) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.PACSConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.configs {
		if c.ID == id && c.TenantID == tenantID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("failed to get PACS config: %w", repository.ErrNotFound)
}

func (f *fakePACSStore) GetByTenantID(ctx context.Context, tenantID uuid.UUID) ([]models.PACSConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PACSConfig
	for _, c := range f.configs {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakePACSStore) GetPrimaryByTenantID(ctx context.Context, tenantID uuid.UUID) (*models.PACSConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.configs {
		if c.TenantID == tenantID && c.IsPrimary {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("failed to get primary PACS config: %w", repository.ErrNotFound)
}

func (f *fakePACSStore) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.configs {
		if c.ID == id && c.TenantID == tenantID {
			f.configs = append(f.configs[:i], f.configs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("failed to delete PACS config: %w", repository.ErrNotFound)
}

func (f *fakePACSStore) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[uuid.UUID]*models.ConnectionStatus)
	}
	f.statuses[id] = status
	return nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	audits []models.DownloadAudit
}

func (f *fakeAuditStore) Create(ctx context.Context, audit *models.DownloadAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *audit)
	return nil
}

func (f *fakeAuditStore) GetByReportID(ctx context.Context, tenantID, reportID uuid.UUID) ([]models.DownloadAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DownloadAudit
	for _, a := range f.audits {
		if a.TenantID == tenantID && a.ReportID == reportID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeSources struct {
	mu      sync.Mutex
	source  func(models.PACSConfig) *adapters.Source
	sources map[uuid.UUID]*adapters.Source
	removed []uuid.UUID
}

func (f *fakeSources) GetSource(config models.PACSConfig) (*adapters.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sources == nil {
		f.sources = make(map[uuid.UUID]*adapters.Source)
	}
	if s, ok := f.sources[config.ID]; ok {
		return s, nil
	}
	s := f.source(config)
	f.sources[config.ID] = s
	return s, nil
}

func (f *fakeSources) RemoveSource(configID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, configID)
	f.removed = append(f.removed, configID)
	return nil
}

// fakeSearcher answers from a fixed set of studies. Study level queries get
// the studies without their series.
type fakeSearcher struct {
	mu      sync.Mutex
	studies []*models.Study
	queries []models.Query
}

func (f *fakeSearcher) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)

	var out []*models.Study
	for _, s := range f.studies {
		if query.StudyInstanceUID != "" && query.StudyInstanceUID != s.UID {
			continue
		}
		if query.Level() == models.LevelStudy {
			out = append(out, &models.Study{UID: s.UID, Attributes: s.Attributes})
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSearcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// instanceDownloader only serves instance references. Each payload is
// "DICM" followed by the instance uid.
type instanceDownloader struct{}

func (instanceDownloader) Fetch(ctx context.Context, dl models.Downloadable) adapters.FetchResult {
	refs := dl.Flatten()
	for _, ref := range refs {
		if ref.Level() != models.LevelInstance {
			return adapters.NeedsMoreDetail(models.LevelInstance)
		}
	}
	return adapters.Stream(func(yield func(*models.Dataset, error) bool) {
		for _, ref := range refs {
			ds := &models.Dataset{
				Ref:  ref,
				Size: -1,
				Body: io.NopCloser(strings.NewReader("DICM" + ref.InstanceUID)),
			}
			if !yield(ds, nil) {
				return
			}
		}
	})
}

func testStudy(uid string, instances ...string) *models.Study {
	series := &models.Series{UID: uid + ".1", StudyUID: uid}
	for _, i := range instances {
		series.Instances = append(series.Instances, &models.Instance{UID: i, StudyUID: uid, SeriesUID: series.UID})
	}
	return &models.Study{UID: uid, Series: []*models.Series{series}}
}
