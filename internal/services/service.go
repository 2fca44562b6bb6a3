package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/cache"
	"github.com/otcheredev/ris-dicom-trolley/internal/events"
	"github.com/otcheredev/ris-dicom-trolley/internal/metrics"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
)

// ErrInvalidRequest marks requests rejected before any PACS is contacted
var ErrInvalidRequest = errors.New("invalid request")

// PACSConfigStore persists PACS configurations
type PACSConfigStore interface {
	Create(ctx context.Context, config *models.PACSConfig) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.PACSConfig, error)
	GetByTenantID(ctx context.Context, tenantID uuid.UUID) ([]models.PACSConfig, error)
	GetPrimaryByTenantID(ctx context.Context, tenantID uuid.UUID) (*models.PACSConfig, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error
}

// AuditStore persists download item outcomes
type AuditStore interface {
	Create(ctx context.Context, audit *models.DownloadAudit) error
	GetByReportID(ctx context.Context, tenantID, reportID uuid.UUID) ([]models.DownloadAudit, error)
}

// SourceProvider hands out the adapters of a PACS configuration
type SourceProvider interface {
	GetSource(config models.PACSConfig) (*adapters.Source, error)
	RemoveSource(configID uuid.UUID) error
}

// Options tunes a RetrievalService
type Options struct {
	// CacheTTL is how long query results are reused; zero disables the cache
	CacheTTL time.Duration
	// Workers is the default worker bound of a download
	Workers int
	// Root is the storage root; each tenant downloads below Root/<tenant id>
	Root      string
	Metrics   *metrics.Metrics
	Publisher events.Publisher
}

// RetrievalService runs searches and downloads against the PACS
// configurations of each tenant
type RetrievalService struct {
	pacsRepo  PACSConfigStore
	auditRepo AuditStore
	sources   SourceProvider
	cache     cache.Cache
	storage   storage.Storage
	opts      Options

	mu        sync.Mutex
	searchers map[uuid.UUID]*cache.CachedSearcher // keyed by PACS config ID
}

// NewRetrievalService creates the service. A nil sink stores to a Dir.
func NewRetrievalService(
	pacsRepo PACSConfigStore,
	auditRepo AuditStore,
	sources SourceProvider,
	store cache.Cache,
	sink storage.Storage,
	opts Options,
) *RetrievalService {
	if sink == nil {
		sink = storage.NewDir()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop()
	}
	return &RetrievalService{
		pacsRepo:  pacsRepo,
		auditRepo: auditRepo,
		sources:   sources,
		cache:     store,
		storage:   sink,
		opts:      opts,
		searchers: make(map[uuid.UUID]*cache.CachedSearcher),
	}
}
