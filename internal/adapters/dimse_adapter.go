package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dictionary/tags"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/media"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/network"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/services"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
)

// DIMSE timeout constants (in seconds) - industry standards
const (
	TimeoutCEcho = 10  // 10 seconds for C-ECHO
	TimeoutCFind = 120 // 120 seconds for C-FIND (can return many results)
)

// Standard AE Title for this service
const CallingAETitle = "RIS_TROLLEY"

// C-FIND keys this adapter can send, by keyword
var dimseTags = map[string]*tags.Tag{
	"PatientID":                      tags.PatientID,
	"PatientName":                    tags.PatientName,
	"PatientBirthDate":               tags.PatientBirthDate,
	"PatientSex":                     tags.PatientSex,
	"StudyDate":                      tags.StudyDate,
	"StudyTime":                      tags.StudyTime,
	"AccessionNumber":                tags.AccessionNumber,
	"ModalitiesInStudy":              tags.ModalitiesInStudy,
	"StudyDescription":               tags.StudyDescription,
	"StudyInstanceUID":               tags.StudyInstanceUID,
	"ReferringPhysicianName":         tags.ReferringPhysicianName,
	"NumberOfStudyRelatedSeries":     tags.NumberOfStudyRelatedSeries,
	"NumberOfStudyRelatedInstances":  tags.NumberOfStudyRelatedInstances,
	"SeriesInstanceUID":              tags.SeriesInstanceUID,
	"SeriesNumber":                   tags.SeriesNumber,
	"Modality":                       tags.Modality,
	"SeriesDescription":              tags.SeriesDescription,
	"SeriesDate":                     tags.SeriesDate,
	"SeriesTime":                     tags.SeriesTime,
	"NumberOfSeriesRelatedInstances": tags.NumberOfSeriesRelatedInstances,
	"SOPInstanceUID":                 tags.SOPInstanceUID,
	"SOPClassUID":                    tags.SOPClassUID,
	"InstanceNumber":                 tags.InstanceNumber,
	"Rows":                           tags.Rows,
	"Columns":                        tags.Columns,
	"NumberOfFrames":                 tags.NumberOfFrames,
}

// Return keys requested at each level on top of IncludeFields
var dimseReturnKeys = map[models.Level][]string{
	models.LevelStudy: {
		"StudyInstanceUID", "PatientID", "PatientName", "PatientBirthDate", "PatientSex",
		"StudyDate", "StudyTime", "AccessionNumber", "ModalitiesInStudy", "StudyDescription",
		"ReferringPhysicianName", "NumberOfStudyRelatedSeries", "NumberOfStudyRelatedInstances",
	},
	models.LevelSeries: {
		"StudyInstanceUID", "SeriesInstanceUID", "SeriesNumber", "Modality",
		"SeriesDescription", "SeriesDate", "SeriesTime", "NumberOfSeriesRelatedInstances",
	},
	models.LevelInstance: {
		"StudyInstanceUID", "SeriesInstanceUID", "SOPInstanceUID", "SOPClassUID",
		"InstanceNumber", "Rows", "Columns", "NumberOfFrames",
	},
}

// DIMSESearcher runs C-FIND queries through the SDK SCU
type DIMSESearcher struct {
	config      models.PACSConfig
	destination *network.Destination
}

// NewDIMSESearcher creates a new DIMSE searcher
func NewDIMSESearcher(config models.PACSConfig) (*DIMSESearcher, error) {
	// Validate required fields
	if config.AETitle == "" {
		return nil, fmt.Errorf("AE Title (Called AE) is required for DIMSE connection")
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint (hostname) is required for DIMSE connection")
	}
	if config.Port == 0 {
		return nil, fmt.Errorf("port is required for DIMSE connection")
	}

	destination := &network.Destination{
		HostName:  config.Endpoint,
		Port:      config.Port,
		CalledAE:  config.AETitle, // PACS AE Title
		CallingAE: CallingAETitle, // Our AE Title
		IsCFind:   true,
		IsCMove:   false,
		IsCStore:  false,
	}

	log.Info().
		Str("endpoint", config.Endpoint).
		Int("port", config.Port).
		Str("called_ae", config.AETitle).
		Str("calling_ae", CallingAETitle).
		Msg("Created DIMSE searcher")

	return &DIMSESearcher{config: config, destination: destination}, nil
}

// TestConnection tests the PACS connection using C-ECHO
func (d *DIMSESearcher) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
	}

	scu := services.NewSCU(d.destination)
	err := scu.EchoSCU(TimeoutCEcho)

	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.ErrorMessage = fmt.Sprintf("C-ECHO failed: %v", err)
		log.Warn().
			Err(err).
			Str("endpoint", d.config.Endpoint).
			Int64("response_time_ms", status.ResponseTime).
			Msg("DIMSE C-ECHO failed")
		return status, err
	}

	status.IsConnected = true
	log.Info().
		Str("endpoint", d.config.Endpoint).
		Int64("response_time_ms", status.ResponseTime).
		Msg("DIMSE C-ECHO successful")

	return status, nil
}

// buildQuery turns a query into a C-FIND identifier. Empty values are return keys.
func buildQuery(query models.Query) (media.DcmObj, []string, error) {
	level := query.Level()
	obj := media.NewEmptyDCMObj()

	wireLevel := string(level)
	if level == models.LevelInstance {
		wireLevel = "IMAGE"
	}
	obj.WriteString(tags.QueryRetrieveLevel, wireLevel)

	values := map[string]string{
		"StudyInstanceUID":  query.StudyInstanceUID,
		"SeriesInstanceUID": query.SeriesInstanceUID,
		"PatientID":         query.PatientID,
		"PatientName":       query.PatientName,
		"AccessionNumber":   query.AccessionNumber,
		"ModalitiesInStudy": query.ModalitiesInStudy,
		"StudyDescription":  query.StudyDescription,
		"StudyDate":         query.StudyDateRange(),
	}

	keys := append([]string{}, dimseReturnKeys[level]...)
	for _, k := range []string{"StudyInstanceUID", "SeriesInstanceUID", "PatientID", "PatientName",
		"AccessionNumber", "ModalitiesInStudy", "StudyDescription", "StudyDate"} {
		if values[k] != "" {
			keys = append(keys, k)
		}
	}
	keys = append(keys, query.IncludeFields...)

	written := make(map[string]bool)
	var keywords []string
	for _, k := range keys {
		if written[k] {
			continue
		}
		tag, ok := dimseTags[k]
		if !ok {
			return nil, nil, fmt.Errorf("unsupported C-FIND key %q", k)
		}
		obj.WriteString(tag, values[k])
		written[k] = true
		keywords = append(keywords, k)
	}
	return obj, keywords, nil
}

// FindStudies runs a C-FIND at the query level and assembles the results
func (d *DIMSESearcher) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	if err := query.Validate(); err != nil {
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: err}
	}
	if query.Limit > 0 || query.Offset > 0 {
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: fmt.Errorf("limit and offset are not supported")}
	}

	identifier, keywords, err := buildQuery(query)
	if err != nil {
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: err}
	}

	log.Debug().
		Str("query", query.ShortString()).
		Str("endpoint", d.config.Endpoint).
		Msg("Executing C-FIND")

	type findResult struct {
		rows   []map[string]string
		status uint16
		err    error
	}
	done := make(chan findResult, 1)

	start := time.Now()
	go func() {
		scu := services.NewSCU(d.destination)
		var rows []map[string]string
		scu.SetOnCFindResult(func(result media.DcmObj) {
			attrs := make(map[string]string, len(keywords))
			for _, k := range keywords {
				if v := result.GetString(dimseTags[k]); v != "" {
					attrs[k] = v
				}
			}
			rows = append(rows, attrs)
		})
		_, status, err := scu.FindSCU(identifier, TimeoutCFind)
		done <- findResult{rows: rows, status: status, err: err}
	}()

	var res findResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The association runs on until its own timeout; its result is dropped
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: ClassifyError(ctx.Err())}
	}
	duration := time.Since(start)

	if res.err != nil {
		log.Error().
			Err(res.err).
			Str("endpoint", d.config.Endpoint).
			Dur("duration", duration).
			Msg("C-FIND failed")
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: ClassifyError(res.err)}
	}

	// Status 0x0000 = Success
	if res.status != 0x0000 {
		log.Warn().
			Uint16("status", res.status).
			Str("endpoint", d.config.Endpoint).
			Msg("C-FIND completed with non-success status")
		return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: fmt.Errorf("C-FIND completed with status: 0x%04X", res.status)}
	}

	level := query.Level()
	tree := newParseTree()
	for _, attrs := range res.rows {
		if err := tree.insert(attrs, level); err != nil {
			return nil, &QueryError{Backend: "C-FIND", Query: query.ShortString(), Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}
	studies := tree.asStudies()

	log.Info().
		Int("num_results", len(res.rows)).
		Int("num_studies", len(studies)).
		Dur("duration", duration).
		Str("endpoint", d.config.Endpoint).
		Msg("C-FIND completed successfully")

	return studies, nil
}

// Close closes the searcher (no persistent connections with this implementation)
func (d *DIMSESearcher) Close() error {
	return nil
}
