package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/middleware"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/otcheredev/ris-dicom-trolley/internal/services"
	"github.com/otcheredev/ris-dicom-trolley/internal/trolley"
)

// RetrievalService is what the retrieval endpoints need from the service layer
type RetrievalService interface {
	FindStudies(ctx context.Context, tenantID, configID uuid.UUID, query models.Query) ([]*models.Study, error)
	Download(ctx context.Context, tenantID uuid.UUID, req services.DownloadRequest) (*trolley.Report, error)
	GetDownload(ctx context.Context, tenantID, reportID uuid.UUID) ([]models.DownloadAudit, error)
	ClearCache(ctx context.Context, tenantID uuid.UUID) error
}

type RetrievalHandler struct {
	svc RetrievalService
}

func NewRetrievalHandler(svc RetrievalService) *RetrievalHandler {
	return &RetrievalHandler{svc: svc}
}

// SearchStudies handles GET /api/v1/studies. Parameters use DICOM keywords.
func (h *RetrievalHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	params := r.URL.Query()
	query, err := parseQuery(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	configID, err := optionalUUID(params.Get("pacs_id"))
	if err != nil {
		http.Error(w, "Invalid pacs_id", http.StatusBadRequest)
		return
	}

	studies, err := h.svc.FindStudies(ctx, tenantID, configID, query)
	if err != nil {
		writeError(w, err, "Failed to search studies")
		return
	}
	if studies == nil {
		studies = []*models.Study{}
	}
	writeJSON(w, http.StatusOK, studies)
}

type downloadResponse struct {
	Report *trolley.Report `json:"report,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Download handles POST /api/v1/downloads. The report is part of the
// response even when the download failed.
func (h *RetrievalHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	var req services.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := h.svc.Download(ctx, tenantID, req)
	if err != nil && report == nil {
		writeError(w, err, "Failed to download")
		return
	}

	resp := downloadResponse{Report: report}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

// GetDownload handles GET /api/v1/downloads/{id}
func (h *RetrievalHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid download ID", http.StatusBadRequest)
		return
	}

	audits, err := h.svc.GetDownload(ctx, tenantID, reportID)
	if err != nil {
		writeError(w, err, "Failed to get download")
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

// ClearCache handles DELETE /api/v1/cache
func (h *RetrievalHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	if err := h.svc.ClearCache(ctx, tenantID); err != nil {
		writeError(w, err, "Failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var queryKeywords = []string{
	"StudyInstanceUID", "SeriesInstanceUID", "AccessionNumber", "PatientName",
	"PatientID", "ModalitiesInStudy", "StudyDescription",
}

// parseQuery maps QIDO style parameters onto a Query. StudyDate is a single
// day or an inclusive YYYYMMDD-YYYYMMDD range.
func parseQuery(params url.Values) (models.Query, error) {
	var q models.Query
	fields := map[string]*string{
		"StudyInstanceUID":  &q.StudyInstanceUID,
		"SeriesInstanceUID": &q.SeriesInstanceUID,
		"AccessionNumber":   &q.AccessionNumber,
		"PatientName":       &q.PatientName,
		"PatientID":         &q.PatientID,
		"ModalitiesInStudy": &q.ModalitiesInStudy,
		"StudyDescription":  &q.StudyDescription,
	}
	for _, k := range queryKeywords {
		*fields[k] = params.Get(k)
	}

	if date := params.Get("StudyDate"); date != "" {
		lo, hi, err := models.ParseStudyDateRange(date)
		if err != nil {
			return q, err
		}
		q.MinStudyDate, q.MaxStudyDate = lo, hi
	}

	for _, v := range params["includefield"] {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				q.IncludeFields = append(q.IncludeFields, f)
			}
		}
	}

	if level := params.Get("level"); level != "" {
		l, err := models.ParseLevel(level)
		if err != nil {
			return q, err
		}
		q.QueryLevel = l
	}

	var err error
	if q.Limit, err = optionalInt(params.Get("limit")); err != nil {
		return q, fmt.Errorf("invalid limit")
	}
	if q.Offset, err = optionalInt(params.Get("offset")); err != nil {
		return q, fmt.Errorf("invalid offset")
	}
	return q, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

func optionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
