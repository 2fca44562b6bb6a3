package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const studiesJSON = `[
  {
    "0020000D": {"vr": "UI", "Value": ["1.23"]},
    "00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^Jane"}]},
    "00100020": {"vr": "LO", "Value": ["P1"]},
    "00080061": {"vr": "CS", "Value": ["CT", "MR"]},
    "00201206": {"vr": "IS", "Value": [2]}
  },
  {
    "0020000D": {"vr": "UI", "Value": ["1.24"]},
    "00100020": {"vr": "LO", "Value": ["P1"]}
  }
]`

func TestQIDOStudies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dicom-web/studies", r.URL.Path)
		assert.Equal(t, "application/dicom+json", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "P1", q.Get("PatientID"))
		assert.Equal(t, "20240101-20240131", q.Get("StudyDate"))
		assert.Equal(t, []string{"StudyDescription"}, q["includefield"])
		assert.Equal(t, "5", q.Get("limit"))

		w.Header().Set("Content-Type", "application/dicom+json")
		_, _ = w.Write([]byte(studiesJSON))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.APIKey = "secret"
	adapter, err := NewDICOMWebAdapter(cfg)
	require.NoError(t, err)
	defer adapter.Close()

	studies, err := adapter.FindStudies(context.Background(), models.Query{
		PatientID:     "P1",
		MinStudyDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxStudyDate:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		IncludeFields: []string{"StudyDescription"},
		Limit:         5,
	})
	require.NoError(t, err)
	require.Len(t, studies, 2)

	assert.Equal(t, "1.23", studies[0].UID)
	assert.Equal(t, "Doe^Jane", studies[0].Attribute("PatientName"))
	assert.Equal(t, `CT\MR`, studies[0].Attribute("ModalitiesInStudy"))
	assert.Equal(t, "2", studies[0].Attribute("NumberOfStudyRelatedSeries"))
	assert.Empty(t, studies[0].Series)
	assert.Equal(t, "1.24", studies[1].UID)
}

func TestQIDOInstancesFillsPathUIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dicom-web/studies/1.23/series/1.23.456/instances", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"00080018": {"vr": "UI", "Value": ["1.23.456.789"]}, "00200013": {"vr": "IS", "Value": [1]}},
			{"00080018": {"vr": "UI", "Value": ["1.23.456.790"]}, "00200013": {"vr": "IS", "Value": [2]}}
		]`))
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv))
	require.NoError(t, err)

	studies, err := adapter.FindStudies(context.Background(),
		models.QueryByID(models.SeriesRef(testStudyUID, testSeriesUID), models.LevelInstance))
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, []models.Reference{testInstance1, testInstance2}, studies[0].Flatten())
	assert.Equal(t, "2", studies[0].Series[0].Instances[1].Attribute("InstanceNumber"))
}

func TestQIDOEmptyAndFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv))
	require.NoError(t, err)

	studies, err := adapter.FindStudies(context.Background(), models.Query{PatientID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, studies)

	status.Store(http.StatusInternalServerError)
	_, err = adapter.FindStudies(context.Background(), models.Query{PatientID: "P1"})
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, "QIDO-RS", queryErr.Backend)
	assert.ErrorIs(t, err, ErrServerError)

	_, err = adapter.FindStudies(context.Background(), models.Query{SeriesInstanceUID: "1.2", QueryLevel: models.LevelInstance})
	assert.ErrorAs(t, err, &queryErr)
}

func TestQIDOTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv), WithQueryTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = adapter.FindStudies(context.Background(), models.Query{PatientID: "P1"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(err, ErrCanceled))
}

func TestWADORSMultipart(t *testing.T) {
	body, contentType := multipartBody(t, "application/dicom", part10(t, testInstance1), part10(t, testInstance2))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dicom-web/studies/1.23", r.URL.Path)
		assert.Contains(t, r.Header.Get("Accept"), "multipart/related")
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	spool := t.TempDir()
	adapter, err := NewDICOMWebAdapter(testConfig(t, srv), WithSpoolDir(spool))
	require.NoError(t, err)

	datasets, errs := collect(t, adapter.Fetch(context.Background(), models.StudyRef(testStudyUID)))
	assert.Empty(t, errs)
	require.Len(t, datasets, 2)
	assert.Equal(t, part10(t, testInstance1), datasets[testInstance1])
	assert.Contains(t, datasets, testInstance2)

	// Closing a dataset removes its spool file
	assert.Zero(t, spoolEntries(t, spool))
}

func TestWADORSSinglePart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDICOM(w, part10(t, testInstance1))
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv), WithSpoolDir(t.TempDir()))
	require.NoError(t, err)

	datasets, errs := collect(t, adapter.Fetch(context.Background(), testInstance1))
	assert.Empty(t, errs)
	assert.Contains(t, datasets, testInstance1)
}

func TestWADORSIgnoredErrorsContinue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dicom-web/studies/1.23/series/1.23.456/instances/1.23.456.789" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		writeDICOM(w, part10(t, testInstance2))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.IgnoreErrors = "document_missing"
	adapter, err := NewDICOMWebAdapter(cfg, WithSpoolDir(t.TempDir()))
	require.NoError(t, err)

	study, err := models.StudyOf([]models.Reference{testInstance1, testInstance2})
	require.NoError(t, err)

	datasets, errs := collect(t, adapter.Fetch(context.Background(), study))
	assert.Contains(t, datasets, testInstance2)
	require.Len(t, errs, 1)

	var itemErr *ItemError
	require.ErrorAs(t, errs[0], &itemErr)
	assert.True(t, itemErr.Ignored)
	assert.Equal(t, testInstance1, itemErr.Ref)
	assert.ErrorIs(t, itemErr, ErrDocumentMissing)
}

func TestWADORSFatalErrorEndsStream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv))
	require.NoError(t, err)

	study, err := models.StudyOf([]models.Reference{testInstance1, testInstance2})
	require.NoError(t, err)

	datasets, errs := collect(t, adapter.Fetch(context.Background(), study))
	assert.Empty(t, datasets)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrServerError)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWADORSMalformedPart(t *testing.T) {
	body, contentType := multipartBody(t, "application/dicom", []byte("not dicom"), part10(t, testInstance2))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv),
		WithSpoolDir(t.TempDir()), WithIgnoredErrors(IgnoreSet{ErrMalformedResponse}))
	require.NoError(t, err)

	datasets, errs := collect(t, adapter.Fetch(context.Background(), models.SeriesRef(testStudyUID, testSeriesUID)))
	assert.Contains(t, datasets, testInstance2)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedResponse)
}

func TestWADORSRequestPerSeries(t *testing.T) {
	cfg := models.PACSConfig{Type: models.PACSTypeDICOMWeb, Endpoint: "pacs", Port: 8042, RequestPerSeries: true}
	adapter, err := NewDICOMWebAdapter(cfg)
	require.NoError(t, err)

	res := adapter.Fetch(context.Background(), models.StudyRef(testStudyUID))
	assert.Equal(t, FetchNeedsMoreDetail, res.Kind())
	assert.Equal(t, models.LevelSeries, res.Level())

	res = adapter.Fetch(context.Background(), models.SeriesRef(testStudyUID, testSeriesUID))
	assert.Equal(t, FetchOK, res.Kind())

	res = adapter.Fetch(context.Background(), models.Reference{})
	assert.Equal(t, FetchFailed, res.Kind())
	assert.ErrorIs(t, res.Err(), models.ErrInvalidReference)
}

func TestDICOMWebTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	adapter, err := NewDICOMWebAdapter(testConfig(t, srv))
	require.NoError(t, err)

	status, err := adapter.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
}
