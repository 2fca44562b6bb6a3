package adapters

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Even length uids avoid padding in the encoded test objects
var (
	testStudyUID  = "1.23"
	testSeriesUID = "1.23.456"
	testInstance1 = models.InstanceRef(testStudyUID, testSeriesUID, "1.23.456.789")
	testInstance2 = models.InstanceRef(testStudyUID, testSeriesUID, "1.23.456.790")
)

// part10 encodes a minimal DICOM file for ref
func part10(t *testing.T, ref models.Reference) []byte {
	t.Helper()
	element := func(tg tag.Tag, value string) *dicom.Element {
		el, err := dicom.NewElement(tg, []string{value})
		require.NoError(t, err)
		return el
	}
	ds := dicom.Dataset{Elements: []*dicom.Element{
		element(tag.MediaStorageSOPClassUID, "1.2.840.10008.5.1.4.1.1.7"),
		element(tag.MediaStorageSOPInstanceUID, ref.InstanceUID),
		element(tag.TransferSyntaxUID, "1.2.840.10008.1.2.1"),
		element(tag.SOPInstanceUID, ref.InstanceUID),
		element(tag.StudyInstanceUID, ref.StudyUID),
		element(tag.SeriesInstanceUID, ref.SeriesUID),
	}}

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, ds, dicom.SkipVRVerification()))
	return buf.Bytes()
}

// multipartBody writes parts as a multipart/related body and returns it with its content type
func multipartBody(t *testing.T, partType string, parts ...[]byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {partType}})
		require.NoError(t, err)
		_, err = w.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), fmt.Sprintf(`multipart/related; type="%s"; boundary=%s`, partType, mw.Boundary())
}

// testConfig points a DICOMweb config at srv
func testConfig(t *testing.T, srv *httptest.Server) models.PACSConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return models.PACSConfig{
		Name:     "test",
		Type:     models.PACSTypeDICOMWeb,
		Endpoint: u.Hostname(),
		Port:     port,
	}
}

// collect drains a fetch result, reading and closing every dataset
func collect(t *testing.T, res FetchResult) (map[models.Reference][]byte, []error) {
	t.Helper()
	require.Equal(t, FetchOK, res.Kind(), "fetch result: %v", res.Err())
	datasets := make(map[models.Reference][]byte)
	var errs []error
	for ds, err := range res.Datasets() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := io.ReadAll(ds.Body)
		require.NoError(t, err)
		require.NoError(t, ds.Close())
		datasets[ds.Ref] = data
	}
	return datasets, errs
}

func spoolEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func writeDICOM(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/dicom")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
