package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/cache"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
)

// CreatePACSConfig validates and stores a new PACS configuration
func (s *RetrievalService) CreatePACSConfig(ctx context.Context, tenantID uuid.UUID, req *models.PACSConfigRequest) (*models.PACSConfig, error) {
	config := req.ToConfig(tenantID)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := adapters.ParseIgnoreSet(config.IgnoredCauses()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.pacsRepo.Create(ctx, &config); err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("pacs_id", config.ID.String()).
		Str("type", string(config.Type)).
		Str("retrieve_type", string(config.RetrieveType)).
		Msg("PACS config created")
	return &config, nil
}

// GetPACSConfigs retrieves all PACS configurations for a tenant
func (s *RetrievalService) GetPACSConfigs(ctx context.Context, tenantID uuid.UUID) ([]models.PACSConfig, error) {
	return s.pacsRepo.GetByTenantID(ctx, tenantID)
}

// GetPACSConfig retrieves a specific PACS configuration
func (s *RetrievalService) GetPACSConfig(ctx context.Context, tenantID, configID uuid.UUID) (*models.PACSConfig, error) {
	return s.pacsRepo.GetByID(ctx, tenantID, configID)
}

// DeletePACSConfig removes a configuration along with its adapters and cached results
func (s *RetrievalService) DeletePACSConfig(ctx context.Context, tenantID, configID uuid.UUID) error {
	if err := s.pacsRepo.Delete(ctx, tenantID, configID); err != nil {
		return err
	}

	if err := s.sources.RemoveSource(configID); err != nil {
		log.Warn().Err(err).Str("pacs_id", configID.String()).Msg("Failed to close adapters of deleted PACS config")
	}
	s.mu.Lock()
	delete(s.searchers, configID)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Clear(ctx, cache.QueryKey(configID.String(), "*")); err != nil {
			log.Warn().Err(err).Str("pacs_id", configID.String()).Msg("Failed to clear query cache of deleted PACS config")
		}
	}
	return nil
}

// TestConnection checks a stored configuration and records the result on it
func (s *RetrievalService) TestConnection(ctx context.Context, tenantID, configID uuid.UUID) (*models.ConnectionStatus, error) {
	config, err := s.pacsRepo.GetByID(ctx, tenantID, configID)
	if err != nil {
		return nil, err
	}
	source, err := s.sources.GetSource(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to get adapter: %w", err)
	}

	status, testErr := testSource(ctx, source)
	if err := s.pacsRepo.UpdateConnectionStatus(ctx, configID, status); err != nil {
		log.Warn().Err(err).Str("pacs_id", configID.String()).Msg("Failed to record connection status")
	}
	return status, testErr
}

// TestConfig checks a configuration that has not been stored
func (s *RetrievalService) TestConfig(ctx context.Context, req *models.PACSConfigRequest) (*models.ConnectionStatus, error) {
	config := req.ToConfig(uuid.Nil)
	source, err := adapters.NewSource(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	defer source.Close()

	return testSource(ctx, source)
}

// testSource always returns a status, filled in from the error when the
// backend could not produce one
func testSource(ctx context.Context, source *adapters.Source) (*models.ConnectionStatus, error) {
	status, err := source.TestConnection(ctx)
	if status == nil {
		status = &models.ConnectionStatus{LastChecked: time.Now()}
	}
	if err != nil && status.ErrorMessage == "" {
		status.ErrorMessage = err.Error()
	}
	return status, err
}
