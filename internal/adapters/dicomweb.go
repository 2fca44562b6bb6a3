package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
)

// DICOMWebAdapter searches with QIDO-RS and downloads with WADO-RS
type DICOMWebAdapter struct {
	*httpBackend
	baseURL          string
	retrieveURL      string
	requestPerSeries bool
}

// NewDICOMWebAdapter creates a new DICOMweb adapter
func NewDICOMWebAdapter(config models.PACSConfig, opts ...Option) (*DICOMWebAdapter, error) {
	backend, err := newHTTPBackend(config, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure DICOMweb adapter: %w", err)
	}

	baseURL := config.BaseURL()
	retrieveURL := baseURL
	if config.RetrieveURL != "" {
		retrieveURL = strings.TrimRight(config.RetrieveURL, "/")
	}

	return &DICOMWebAdapter{
		httpBackend:      backend,
		baseURL:          baseURL,
		retrieveURL:      retrieveURL,
		requestPerSeries: config.RequestPerSeries,
	}, nil
}

// FindStudies queries for studies, series or instances using QIDO-RS
func (d *DICOMWebAdapter) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	if err := query.Validate(); err != nil {
		return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: err}
	}
	queryURL, err := d.qidoURL(query)
	if err != nil {
		return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.do(ctx, http.MethodGet, queryURL, nil, http.Header{"Accept": {"application/dicom+json"}})
	if err != nil {
		return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: statusError(resp)}
	}

	rows, err := decodeDICOMJSON(resp.Body)
	if err != nil {
		return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: ClassifyError(err)}
	}

	level := query.Level()
	tree := newParseTree()
	for _, attrs := range rows {
		// Hierarchical endpoints may leave out the uids given in the path
		if attrs["StudyInstanceUID"] == "" {
			attrs["StudyInstanceUID"] = query.StudyInstanceUID
		}
		if level == models.LevelInstance && attrs["SeriesInstanceUID"] == "" {
			attrs["SeriesInstanceUID"] = query.SeriesInstanceUID
		}
		if err := tree.insert(attrs, level); err != nil {
			return nil, &QueryError{Backend: "QIDO-RS", Query: query.ShortString(), Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}

	studies := tree.asStudies()
	log.Debug().
		Str("endpoint", d.baseURL).
		Str("level", string(level)).
		Int("results", len(rows)).
		Int("studies", len(studies)).
		Dur("duration", time.Since(start)).
		Msg("QIDO-RS query completed")

	return studies, nil
}

// qidoURL builds the hierarchical search URL and its parameters
func (d *DICOMWebAdapter) qidoURL(query models.Query) (string, error) {
	params := url.Values{}
	var path string

	switch query.Level() {
	case models.LevelStudy:
		path = "/studies"
		if query.StudyInstanceUID != "" {
			params.Add("StudyInstanceUID", query.StudyInstanceUID)
		}
	case models.LevelSeries:
		if query.StudyInstanceUID != "" {
			path = "/studies/" + url.PathEscape(query.StudyInstanceUID) + "/series"
		} else {
			path = "/series"
		}
		if query.SeriesInstanceUID != "" {
			params.Add("SeriesInstanceUID", query.SeriesInstanceUID)
		}
	case models.LevelInstance:
		switch {
		case query.StudyInstanceUID != "" && query.SeriesInstanceUID != "":
			path = "/studies/" + url.PathEscape(query.StudyInstanceUID) +
				"/series/" + url.PathEscape(query.SeriesInstanceUID) + "/instances"
		case query.SeriesInstanceUID != "":
			return "", fmt.Errorf("instance level query on a series requires its StudyInstanceUID")
		case query.StudyInstanceUID != "":
			path = "/studies/" + url.PathEscape(query.StudyInstanceUID) + "/instances"
		default:
			path = "/instances"
		}
	}

	if query.PatientID != "" {
		params.Add("PatientID", query.PatientID)
	}
	if query.PatientName != "" {
		params.Add("PatientName", query.PatientName)
	}
	if query.AccessionNumber != "" {
		params.Add("AccessionNumber", query.AccessionNumber)
	}
	if query.ModalitiesInStudy != "" {
		params.Add("ModalitiesInStudy", query.ModalitiesInStudy)
	}
	if query.StudyDescription != "" {
		params.Add("StudyDescription", query.StudyDescription)
	}
	if r := query.StudyDateRange(); r != "" {
		params.Add("StudyDate", r)
	}
	for _, field := range query.IncludeFields {
		params.Add("includefield", field)
	}
	if query.Limit > 0 {
		params.Add("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Add("offset", strconv.Itoa(query.Offset))
	}

	queryURL := d.baseURL + path
	if len(params) > 0 {
		queryURL += "?" + params.Encode()
	}
	return queryURL, nil
}

// Fetch retrieves the leaves of dl with one WADO-RS request each. With
// request-per-series enabled, study level leaves are sent back for series uids.
func (d *DICOMWebAdapter) Fetch(ctx context.Context, dl models.Downloadable) FetchResult {
	refs := dl.Flatten()
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return Failed(err)
		}
		if d.requestPerSeries && ref.Level() == models.LevelStudy {
			return NeedsMoreDetail(models.LevelSeries)
		}
	}

	return Stream(func(yield func(*models.Dataset, error) bool) {
		for _, ref := range refs {
			if !d.retrieve(ctx, ref, yield) {
				return
			}
		}
	})
}

// retrieve streams the datasets for one reference. It returns false when the
// consumer stopped or a non ignored error ended the stream.
func (d *DICOMWebAdapter) retrieve(ctx context.Context, ref models.Reference, yield func(*models.Dataset, error) bool) bool {
	resp, err := d.do(ctx, http.MethodGet, d.wadoURL(ref), nil,
		http.Header{"Accept": {`multipart/related; type="application/dicom"`}})
	if err != nil {
		itemErr := d.ignore.ItemError(ref, err)
		return yield(nil, itemErr) && itemErr.Ignored
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		itemErr := d.ignore.ItemError(ref, statusError(resp))
		return yield(nil, itemErr) && itemErr.Ignored
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, dicomContentType) {
		ds, err := spoolDataset(resp.Body, contentType, d.spoolDir, ref)
		if err != nil {
			itemErr := d.ignore.ItemError(ref, err)
			return yield(nil, itemErr) && itemErr.Ignored
		}
		return yield(ds, nil)
	}

	mr, err := newMultipartReader(resp.Body, contentType)
	if err != nil {
		itemErr := d.ignore.ItemError(ref, err)
		return yield(nil, itemErr) && itemErr.Ignored
	}

	stopped := false
	failed := false
	yieldParts(mr, d.spoolDir, ref, d.ignore, func(ds *models.Dataset, err error) bool {
		if !yield(ds, err) {
			stopped = true
			return false
		}
		var itemErr *ItemError
		if err != nil && !(errors.As(err, &itemErr) && itemErr.Ignored) {
			failed = true
		}
		return true
	})
	return !stopped && !failed
}

func (d *DICOMWebAdapter) wadoURL(ref models.Reference) string {
	u := d.retrieveURL + "/studies/" + url.PathEscape(ref.StudyUID)
	if ref.SeriesUID != "" {
		u += "/series/" + url.PathEscape(ref.SeriesUID)
	}
	if ref.InstanceUID != "" {
		u += "/instances/" + url.PathEscape(ref.InstanceUID)
	}
	return u
}

// TestConnection runs a one result study query
func (d *DICOMWebAdapter) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
	}

	_, err := d.FindStudies(ctx, models.Query{Limit: 1})

	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.IsConnected = false
		status.ErrorMessage = err.Error()
		return status, err
	}

	status.IsConnected = true
	return status, nil
}

// Close releases idle connections
func (d *DICOMWebAdapter) Close() error {
	return d.close()
}
