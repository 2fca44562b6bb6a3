package adapters

import (
	"fmt"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Attributes copied onto parents that are created implicitly while inserting
// series or instance level results
var (
	studyKeywords = []string{
		"PatientName", "PatientID", "PatientBirthDate", "PatientSex",
		"StudyDate", "StudyTime", "StudyDescription", "StudyID",
		"AccessionNumber", "ModalitiesInStudy", "ReferringPhysicianName",
		"NumberOfStudyRelatedSeries", "NumberOfStudyRelatedInstances",
	}
	seriesKeywords = []string{
		"Modality", "SeriesNumber", "SeriesDescription", "SeriesDate",
		"SeriesTime", "BodyPartExamined", "NumberOfSeriesRelatedInstances",
	}
)

// parseTree assembles flat query results (one attribute set per row) into
// study trees, keeping the order in which nodes were first seen
type parseTree struct {
	studies   []*models.Study
	byStudy   map[string]*models.Study
	bySeries  map[models.Reference]*models.Series
	instances map[models.Reference]bool
}

func newParseTree() *parseTree {
	return &parseTree{
		byStudy:   make(map[string]*models.Study),
		bySeries:  make(map[models.Reference]*models.Series),
		instances: make(map[models.Reference]bool),
	}
}

// insert adds one result row. The row must carry the uids down to level.
func (t *parseTree) insert(attrs map[string]string, level models.Level) error {
	studyUID := attrs["StudyInstanceUID"]
	if studyUID == "" {
		return fmt.Errorf("result without StudyInstanceUID")
	}
	study := t.study(studyUID, attrs, level == models.LevelStudy)
	if level == models.LevelStudy {
		return nil
	}

	seriesUID := attrs["SeriesInstanceUID"]
	if seriesUID == "" {
		return fmt.Errorf("%s level result in study %s without SeriesInstanceUID", level, studyUID)
	}
	series := t.series(study, seriesUID, attrs, level == models.LevelSeries)
	if level == models.LevelSeries {
		return nil
	}

	instanceUID := attrs["SOPInstanceUID"]
	if instanceUID == "" {
		return fmt.Errorf("instance level result in series %s without SOPInstanceUID", seriesUID)
	}
	ref := models.InstanceRef(studyUID, seriesUID, instanceUID)
	if t.instances[ref] {
		return nil
	}
	t.instances[ref] = true
	series.Instances = append(series.Instances, &models.Instance{
		UID:        instanceUID,
		StudyUID:   studyUID,
		SeriesUID:  seriesUID,
		Attributes: attrs,
	})
	return nil
}

func (t *parseTree) study(uid string, attrs map[string]string, leaf bool) *models.Study {
	study, ok := t.byStudy[uid]
	if !ok {
		study = &models.Study{UID: uid}
		t.byStudy[uid] = study
		t.studies = append(t.studies, study)
	}
	if leaf {
		study.Attributes = attrs
	} else if study.Attributes == nil {
		study.Attributes = pick(attrs, studyKeywords)
	}
	return study
}

func (t *parseTree) series(study *models.Study, uid string, attrs map[string]string, leaf bool) *models.Series {
	key := models.SeriesRef(study.UID, uid)
	series, ok := t.bySeries[key]
	if !ok {
		series = &models.Series{UID: uid, StudyUID: study.UID}
		t.bySeries[key] = series
		study.Series = append(study.Series, series)
	}
	if leaf {
		series.Attributes = attrs
	} else if series.Attributes == nil {
		series.Attributes = pick(attrs, seriesKeywords)
	}
	return series
}

func (t *parseTree) asStudies() []*models.Study {
	return t.studies
}

func pick(attrs map[string]string, keywords []string) map[string]string {
	out := make(map[string]string)
	for _, k := range keywords {
		if v, ok := attrs[k]; ok {
			out[k] = v
		}
	}
	return out
}
