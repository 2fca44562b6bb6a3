package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// DICOM date format used for StudyDate ranges
const DateFormat = "20060102"

// Query describes a search. Wildcards in string fields are passed to the
// backend verbatim.
type Query struct {
	StudyInstanceUID  string    `json:"study_instance_uid,omitempty"`
	SeriesInstanceUID string    `json:"series_instance_uid,omitempty"`
	AccessionNumber   string    `json:"accession_number,omitempty"`
	PatientName       string    `json:"patient_name,omitempty"`
	PatientID         string    `json:"patient_id,omitempty"`
	ModalitiesInStudy string    `json:"modalities_in_study,omitempty"`
	StudyDescription  string    `json:"study_description,omitempty"`
	MinStudyDate      time.Time `json:"min_study_date,omitzero"`
	MaxStudyDate      time.Time `json:"max_study_date,omitzero"`
	IncludeFields     []string  `json:"include_fields,omitempty"`
	QueryLevel        Level     `json:"query_level,omitempty"`
	Limit             int       `json:"limit,omitempty"`
	Offset            int       `json:"offset,omitempty"`
}

// QueryByID builds the query used to re-resolve a reference at a deeper level
func QueryByID(ref Reference, level Level) Query {
	return Query{
		StudyInstanceUID:  ref.StudyUID,
		SeriesInstanceUID: ref.SeriesUID,
		QueryLevel:        level,
	}
}

// Level returns the query level, defaulting to study
func (q Query) Level() Level {
	if q.QueryLevel == "" {
		return LevelStudy
	}
	return q.QueryLevel
}

// Validate checks the backend independent constraints of a query
func (q Query) Validate() error {
	if q.QueryLevel != "" && !q.QueryLevel.Valid() {
		return fmt.Errorf("invalid query level %q", q.QueryLevel)
	}
	if q.MinStudyDate.IsZero() != q.MaxStudyDate.IsZero() {
		return fmt.Errorf("min and max study date must be given together")
	}
	if !q.MinStudyDate.IsZero() && q.MaxStudyDate.Before(q.MinStudyDate) {
		return fmt.Errorf("max study date %s is before min study date %s",
			q.MaxStudyDate.Format(DateFormat), q.MinStudyDate.Format(DateFormat))
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}
	return nil
}

// StudyDateRange renders the inclusive date range as "min-max", or "" when unset
func (q Query) StudyDateRange() string {
	if q.MinStudyDate.IsZero() {
		return ""
	}
	return q.MinStudyDate.Format(DateFormat) + "-" + q.MaxStudyDate.Format(DateFormat)
}

// Normalize returns a copy with trimmed strings, an explicit level, day
// precision dates and sorted, de-duplicated include fields. Two queries that
// mean the same thing normalize to equal values.
func (q Query) Normalize() Query {
	n := q
	n.StudyInstanceUID = strings.TrimSpace(q.StudyInstanceUID)
	n.SeriesInstanceUID = strings.TrimSpace(q.SeriesInstanceUID)
	n.AccessionNumber = strings.TrimSpace(q.AccessionNumber)
	n.PatientName = strings.TrimSpace(q.PatientName)
	n.PatientID = strings.TrimSpace(q.PatientID)
	n.ModalitiesInStudy = strings.TrimSpace(q.ModalitiesInStudy)
	n.StudyDescription = strings.TrimSpace(q.StudyDescription)
	n.QueryLevel = q.Level()
	n.MinStudyDate = truncateDay(q.MinStudyDate)
	n.MaxStudyDate = truncateDay(q.MaxStudyDate)

	if len(q.IncludeFields) > 0 {
		fields := make([]string, 0, len(q.IncludeFields))
		for _, f := range q.IncludeFields {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		slices.Sort(fields)
		n.IncludeFields = slices.Compact(fields)
	}
	return n
}

// Signature is a stable digest of the normalized query, used as cache key
func (q Query) Signature() string {
	// Struct field order makes the JSON encoding canonical
	data, err := json.Marshal(q.Normalize())
	if err != nil {
		// Query only holds strings, ints and times
		panic(fmt.Sprintf("failed to marshal query: %v", err))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortString renders the populated fields of the query for log lines
func (q Query) ShortString() string {
	var parts []string
	add := func(name, value string) {
		if value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	add("study", q.StudyInstanceUID)
	add("series", q.SeriesInstanceUID)
	add("accession", q.AccessionNumber)
	add("patient_name", q.PatientName)
	add("patient_id", q.PatientID)
	add("modalities", q.ModalitiesInStudy)
	add("description", q.StudyDescription)
	add("dates", q.StudyDateRange())
	add("level", string(q.Level()))
	return strings.Join(parts, " ")
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseStudyDateRange reads a single YYYYMMDD day or an inclusive
// YYYYMMDD-YYYYMMDD range
func ParseStudyDateRange(s string) (time.Time, time.Time, error) {
	from, to, found := strings.Cut(s, "-")
	if !found {
		to = from
	}
	lo, err := time.Parse(DateFormat, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid study date %q", s)
	}
	hi, err := time.Parse(DateFormat, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid study date %q", s)
	}
	return lo, hi, nil
}
