package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/middleware"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
)

// PACSService is what the management endpoints need from the service layer
type PACSService interface {
	CreatePACSConfig(ctx context.Context, tenantID uuid.UUID, req *models.PACSConfigRequest) (*models.PACSConfig, error)
	GetPACSConfigs(ctx context.Context, tenantID uuid.UUID) ([]models.PACSConfig, error)
	GetPACSConfig(ctx context.Context, tenantID, configID uuid.UUID) (*models.PACSConfig, error)
	DeletePACSConfig(ctx context.Context, tenantID, configID uuid.UUID) error
	TestConnection(ctx context.Context, tenantID, configID uuid.UUID) (*models.ConnectionStatus, error)
	TestConfig(ctx context.Context, req *models.PACSConfigRequest) (*models.ConnectionStatus, error)
}

type ManagementHandler struct {
	pacsService PACSService
}

func NewManagementHandler(pacsService PACSService) *ManagementHandler {
	return &ManagementHandler{
		pacsService: pacsService,
	}
}

// CreatePACSConfig creates a new PACS configuration
func (h *ManagementHandler) CreatePACSConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	var req models.PACSConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	config, err := h.pacsService.CreatePACSConfig(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err, "Failed to create PACS config")
		return
	}

	writeJSON(w, http.StatusCreated, config)
}

// GetPACSConfigs retrieves all PACS configurations for a tenant
func (h *ManagementHandler) GetPACSConfigs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	configs, err := h.pacsService.GetPACSConfigs(ctx, tenantID)
	if err != nil {
		writeError(w, err, "Failed to get PACS configs")
		return
	}
	if configs == nil {
		configs = []models.PACSConfig{}
	}

	writeJSON(w, http.StatusOK, configs)
}

// configID reads the {id} parameter, answering the request itself when it
// cannot be used
func configID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := middleware.GetTenantID(r.Context())
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid config ID", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

// GetPACSConfig retrieves a specific PACS configuration
func (h *ManagementHandler) GetPACSConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := configID(w, r)
	if !ok {
		return
	}

	config, err := h.pacsService.GetPACSConfig(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, err, "Failed to get PACS config")
		return
	}

	writeJSON(w, http.StatusOK, config)
}

// DeletePACSConfig removes a PACS configuration
func (h *ManagementHandler) DeletePACSConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := configID(w, r)
	if !ok {
		return
	}

	if err := h.pacsService.DeletePACSConfig(r.Context(), tenantID, id); err != nil {
		writeError(w, err, "Failed to delete PACS config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection tests a stored PACS configuration. A failed test is still
// a 200 carrying is_connected=false.
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := configID(w, r)
	if !ok {
		return
	}

	status, err := h.pacsService.TestConnection(r.Context(), tenantID, id)
	if err != nil && status == nil {
		writeError(w, err, "Failed to test PACS connection")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("pacs_id", id.String()).Msg("Connection test failed")
	}

	writeJSON(w, http.StatusOK, status)
}

// TestConfig tests a configuration given in the request body without storing it
func (h *ManagementHandler) TestConfig(w http.ResponseWriter, r *http.Request) {
	var req models.PACSConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status, err := h.pacsService.TestConfig(r.Context(), &req)
	if err != nil && status == nil {
		writeError(w, err, "Failed to test PACS connection")
		return
	}
	if err != nil {
		tenantID, _ := middleware.GetTenantID(r.Context())
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Connection test failed")
	}

	writeJSON(w, http.StatusOK, status)
}
