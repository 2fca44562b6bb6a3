package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuerySignatureIsStable(t *testing.T) {
	a := Query{
		PatientID:     " 123 ",
		IncludeFields: []string{"Modality", "PatientName", "Modality"},
		MinStudyDate:  time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
		MaxStudyDate:  time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	b := Query{
		PatientID:     "123",
		IncludeFields: []string{"PatientName", "Modality"},
		MinStudyDate:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		MaxStudyDate:  time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		QueryLevel:    LevelStudy,
	}
	assert.Equal(t, a.Signature(), b.Signature())
	assert.Len(t, a.Signature(), 64)

	c := b
	c.QueryLevel = LevelSeries
	assert.NotEqual(t, b.Signature(), c.Signature())
}

func TestQueryValidate(t *testing.T) {
	require.NoError(t, Query{}.Validate())

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Error(t, Query{MinStudyDate: day}.Validate())
	assert.Error(t, Query{MinStudyDate: day, MaxStudyDate: day.AddDate(0, 0, -1)}.Validate())
	assert.Error(t, Query{QueryLevel: "PATIENT"}.Validate())
	assert.Error(t, Query{Limit: -1}.Validate())

	q := Query{MinStudyDate: day, MaxStudyDate: day.AddDate(0, 0, 3)}
	require.NoError(t, q.Validate())
	assert.Equal(t, "20240102-20240105", q.StudyDateRange())
}

func TestQueryByID(t *testing.T) {
	q := QueryByID(SeriesRef("1", "1.1"), LevelInstance)
	assert.Equal(t, "1", q.StudyInstanceUID)
	assert.Equal(t, "1.1", q.SeriesInstanceUID)
	assert.Equal(t, LevelInstance, q.Level())
	assert.Equal(t, LevelStudy, Query{}.Level())
	assert.Equal(t, "study=1 series=1.1 level=INSTANCE", q.ShortString())
}

func TestParseStudyDateRange(t *testing.T) {
	lo, hi, err := ParseStudyDateRange("20240101-20240131")
	require.NoError(t, err)
	assert.Equal(t, "20240101-20240131", Query{MinStudyDate: lo, MaxStudyDate: hi}.StudyDateRange())

	lo, hi, err = ParseStudyDateRange("20240105")
	require.NoError(t, err)
	assert.Equal(t, lo, hi)

	_, _, err = ParseStudyDateRange("2024-01-05")
	assert.Error(t, err)
}
