package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/database"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// AuditRepository stores one row per finished download work item
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create creates a new audit entry
func (r *AuditRepository) Create(ctx context.Context, audit *models.DownloadAudit) error {
	if err := database.DB.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("failed to create download audit: %w", err)
	}
	return nil
}

// GetByReportID retrieves the item rows of one download
func (r *AuditRepository) GetByReportID(ctx context.Context, tenantID, reportID uuid.UUID) ([]models.DownloadAudit, error) {
	var audits []models.DownloadAudit
	if err := database.DB.WithContext(ctx).
		Where("tenant_id = ? AND report_id = ?", tenantID, reportID).
		Order("created_at ASC").
		Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get download audits: %w", err)
	}
	return audits, nil
}

// GetByTenantID retrieves audit rows for a tenant, newest first
func (r *AuditRepository) GetByTenantID(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]models.DownloadAudit, error) {
	var audits []models.DownloadAudit
	query := database.DB.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get download audits: %w", err)
	}

	return audits, nil
}
