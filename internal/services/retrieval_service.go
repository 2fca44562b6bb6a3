package services

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/cache"
	"github.com/otcheredev/ris-dicom-trolley/internal/events"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/repository"
	"github.com/otcheredev/ris-dicom-trolley/internal/trolley"
	"github.com/rs/zerolog/log"
)

// DownloadRequest names what to download: explicit references or the
// studies matching a query. PACSID selects a configuration other than the
// tenant's primary one.
type DownloadRequest struct {
	PACSID     uuid.UUID          `json:"pacs_id,omitzero"`
	References []models.Reference `json:"references,omitempty"`
	Query      *models.Query      `json:"query,omitempty"`
	Workers    int                `json:"workers,omitempty"`
}

// Validate checks the request without contacting a PACS
func (r DownloadRequest) Validate() error {
	switch {
	case len(r.References) == 0 && r.Query == nil:
		return fmt.Errorf("references or query is required")
	case len(r.References) > 0 && r.Query != nil:
		return fmt.Errorf("references and query are mutually exclusive")
	case r.Workers < 0:
		return fmt.Errorf("workers must not be negative")
	}
	for _, ref := range r.References {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	if r.Query != nil {
		return r.Query.Validate()
	}
	return nil
}

// source looks up the tenant's configuration (the primary one for a nil
// configID) and returns its adapters with the cached searcher in front
func (s *RetrievalService) source(ctx context.Context, tenantID, configID uuid.UUID) (*adapters.Source, *cache.CachedSearcher, error) {
	var (
		config *models.PACSConfig
		err    error
	)
	if configID == uuid.Nil {
		config, err = s.pacsRepo.GetPrimaryByTenantID(ctx, tenantID)
	} else {
		config, err = s.pacsRepo.GetByID(ctx, tenantID, configID)
	}
	if err != nil {
		return nil, nil, err
	}

	source, err := s.sources.GetSource(*config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get adapter: %w", err)
	}
	return source, s.searcher(source), nil
}

func (s *RetrievalService) searcher(source *adapters.Source) *cache.CachedSearcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.searchers[source.Config.ID]; ok {
		return cs
	}
	cs := cache.NewCachedSearcher(source.Searcher, s.cache, s.opts.CacheTTL,
		cache.WithNamespace(source.Config.ID.String()),
		cache.WithMetrics(s.opts.Metrics),
	)
	s.searchers[source.Config.ID] = cs
	return cs
}

// FindStudies runs query against a PACS of the tenant
func (s *RetrievalService) FindStudies(ctx context.Context, tenantID, configID uuid.UUID, query models.Query) ([]*models.Study, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	_, searcher, err := s.source(ctx, tenantID, configID)
	if err != nil {
		return nil, err
	}
	studies, err := searcher.FindStudies(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find studies: %w", err)
	}
	return studies, nil
}

// Download resolves and stores everything req names. The report is returned
// even when the download fails part way.
func (s *RetrievalService) Download(ctx context.Context, tenantID uuid.UUID, req DownloadRequest) (*trolley.Report, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	source, searcher, err := s.source(ctx, tenantID, req.PACSID)
	if err != nil {
		return nil, err
	}

	var items []models.Downloadable
	if req.Query != nil {
		studies, err := searcher.FindStudies(ctx, *req.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to find studies: %w", err)
		}
		for _, study := range studies {
			items = append(items, study)
		}
	} else {
		for _, ref := range req.References {
			items = append(items, ref)
		}
	}

	workers := s.opts.Workers
	if req.Workers > 0 {
		workers = req.Workers
	}

	t := trolley.New(searcher, source.Downloader, s.storage,
		trolley.WithWorkers(workers),
		trolley.WithMetrics(s.opts.Metrics),
		trolley.WithObserver(&auditObserver{repo: s.auditRepo, tenantID: tenantID, pacsID: source.Config.ID}),
		trolley.WithObserver(events.NewObserver(s.opts.Publisher, tenantID)),
	)

	report, err := t.Download(ctx, filepath.Join(s.opts.Root, tenantID.String()), items...)
	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("pacs_id", source.Config.ID.String()).
		Stringer("report", report).
		AnErr("error", err).
		Msg("Download finished")
	return report, err
}

// GetDownload returns the audited item outcomes of an earlier download
func (s *RetrievalService) GetDownload(ctx context.Context, tenantID, reportID uuid.UUID) ([]models.DownloadAudit, error) {
	audits, err := s.auditRepo.GetByReportID(ctx, tenantID, reportID)
	if err != nil {
		return nil, err
	}
	if len(audits) == 0 {
		return nil, fmt.Errorf("download %s: %w", reportID, repository.ErrNotFound)
	}
	return audits, nil
}

// ClearCache drops the cached query results of every PACS of the tenant
func (s *RetrievalService) ClearCache(ctx context.Context, tenantID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	configs, err := s.pacsRepo.GetByTenantID(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, config := range configs {
		if err := s.cache.Clear(ctx, cache.QueryKey(config.ID.String(), "*")); err != nil {
			return fmt.Errorf("failed to clear query cache: %w", err)
		}
	}
	return nil
}

// auditObserver writes one DownloadAudit row per finished item
type auditObserver struct {
	trolley.ObserverFuncs
	repo     AuditStore
	tenantID uuid.UUID
	pacsID   uuid.UUID
}

func (a *auditObserver) ItemFinished(ctx context.Context, reportID uuid.UUID, item *trolley.ItemOutcome) {
	audit := &models.DownloadAudit{
		ReportID:     reportID,
		TenantID:     a.tenantID,
		PACSConfigID: a.pacsID,
		StudyUID:     item.Target.StudyUID,
		SeriesUID:    item.Target.SeriesUID,
		InstanceUID:  item.Target.InstanceUID,
		Status:       string(item.State),
		Stored:       len(item.Stored),
		Skipped:      len(item.Skipped),
		Backfilled:   item.Backfilled,
		Duration:     item.Duration.Milliseconds(),
	}
	if item.Err != nil {
		audit.ErrorMessage = item.Err.Error()
	}
	if err := a.repo.Create(ctx, audit); err != nil {
		log.Warn().Err(err).Str("report_id", reportID.String()).Msg("Failed to record download audit")
	}
}
