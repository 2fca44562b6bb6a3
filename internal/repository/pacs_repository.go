package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/database"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// PACSRepository handles PACS configuration database operations
type PACSRepository struct{}

// NewPACSRepository creates a new PACS repository
func NewPACSRepository() *PACSRepository {
	return &PACSRepository{}
}

// Create creates a new PACS configuration. When it is primary, the other
// configurations of the tenant stop being primary in the same transaction.
func (r *PACSRepository) Create(ctx context.Context, config *models.PACSConfig) error {
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if config.IsPrimary {
			if err := tx.Model(&models.PACSConfig{}).
				Where("tenant_id = ?", config.TenantID).
				Update("is_primary", false).Error; err != nil {
				return fmt.Errorf("failed to unset primary flags: %w", err)
			}
		}
		return tx.Create(config).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create PACS config: %w", err)
	}
	return nil
}

// GetByID retrieves a PACS configuration of a tenant by ID
func (r *PACSRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.PACSConfig, error) {
	var config models.PACSConfig
	if err := database.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&config).Error; err != nil {
		return nil, fmt.Errorf("failed to get PACS config: %w", notFound(err))
	}
	return &config, nil
}

// GetByTenantID retrieves all active PACS configurations for a tenant, primary first
func (r *PACSRepository) GetByTenantID(ctx context.Context, tenantID uuid.UUID) ([]models.PACSConfig, error) {
	var configs []models.PACSConfig
	if err := database.DB.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("is_primary DESC, created_at ASC").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to get PACS configs: %w", err)
	}
	return configs, nil
}

// GetPrimaryByTenantID retrieves the primary PACS configuration for a tenant
func (r *PACSRepository) GetPrimaryByTenantID(ctx context.Context, tenantID uuid.UUID) (*models.PACSConfig, error) {
	var config models.PACSConfig
	if err := database.DB.WithContext(ctx).
		Where("tenant_id = ? AND is_primary = ? AND is_active = ?", tenantID, true, true).
		First(&config).Error; err != nil {
		return nil, fmt.Errorf("failed to get primary PACS config: %w", notFound(err))
	}
	return &config, nil
}

// Delete soft deletes a PACS configuration of a tenant
func (r *PACSRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	res := database.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&models.PACSConfig{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete PACS config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to delete PACS config: %w", ErrNotFound)
	}
	return nil
}

// UpdateConnectionStatus updates the connection status of a PACS configuration
func (r *PACSRepository) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	updates := map[string]interface{}{
		"last_connection_test":   status.LastChecked,
		"last_connection_status": status.IsConnected,
		"last_error":             status.ErrorMessage,
	}

	if err := database.DB.WithContext(ctx).
		Model(&models.PACSConfig{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}

	return nil
}
