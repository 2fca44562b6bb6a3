package models

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the depth of a node in the study/series/instance hierarchy
type Level string

const (
	LevelStudy    Level = "STUDY"
	LevelSeries   Level = "SERIES"
	LevelInstance Level = "INSTANCE"
)

// Depth orders levels from study (1) to instance (3). Unknown levels are 0.
func (l Level) Depth() int {
	switch l {
	case LevelStudy:
		return 1
	case LevelSeries:
		return 2
	case LevelInstance:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the three known levels
func (l Level) Valid() bool {
	return l.Depth() > 0
}

// ParseLevel accepts the level names used on the wire, including the DIMSE "IMAGE" alias
func ParseLevel(s string) (Level, error) {
	switch s {
	case "STUDY", "study":
		return LevelStudy, nil
	case "SERIES", "series":
		return LevelSeries, nil
	case "INSTANCE", "instance", "IMAGE", "image":
		return LevelInstance, nil
	}
	return "", fmt.Errorf("unknown query level %q", s)
}

var (
	// ErrNoReferences is returned when a tree is not deep enough to yield references at a level
	ErrNoReferences = errors.New("no references found at requested level")
	// ErrInvalidReference is returned for references with missing or non-hierarchical uids
	ErrInvalidReference = errors.New("invalid reference")
)

// Reference names a study, series or instance by its identifying uids.
// Which fields are populated determines its level.
type Reference struct {
	StudyUID    string `json:"study_uid"`
	SeriesUID   string `json:"series_uid,omitempty"`
	InstanceUID string `json:"instance_uid,omitempty"`
}

func StudyRef(studyUID string) Reference {
	return Reference{StudyUID: studyUID}
}

func SeriesRef(studyUID, seriesUID string) Reference {
	return Reference{StudyUID: studyUID, SeriesUID: seriesUID}
}

func InstanceRef(studyUID, seriesUID, instanceUID string) Reference {
	return Reference{StudyUID: studyUID, SeriesUID: seriesUID, InstanceUID: instanceUID}
}

// Level returns the deepest populated level of the reference
func (r Reference) Level() Level {
	switch {
	case r.InstanceUID != "":
		return LevelInstance
	case r.SeriesUID != "":
		return LevelSeries
	default:
		return LevelStudy
	}
}

// Validate checks that populated uids form a hierarchy without gaps
func (r Reference) Validate() error {
	if r.StudyUID == "" {
		return fmt.Errorf("%w: missing study uid", ErrInvalidReference)
	}
	if r.InstanceUID != "" && r.SeriesUID == "" {
		return fmt.Errorf("%w: instance %s without series uid", ErrInvalidReference, r.InstanceUID)
	}
	return nil
}

// Parent returns the reference one level up. A study reference is its own parent.
func (r Reference) Parent() Reference {
	switch r.Level() {
	case LevelInstance:
		return SeriesRef(r.StudyUID, r.SeriesUID)
	default:
		return StudyRef(r.StudyUID)
	}
}

// Truncate cuts the reference down to level. Shallower references are returned unchanged.
func (r Reference) Truncate(level Level) Reference {
	switch level {
	case LevelStudy:
		return StudyRef(r.StudyUID)
	case LevelSeries:
		if r.SeriesUID == "" {
			return r
		}
		return SeriesRef(r.StudyUID, r.SeriesUID)
	default:
		return r
	}
}

// Contains reports whether other lies within the subtree named by r
func (r Reference) Contains(other Reference) bool {
	if r.StudyUID != other.StudyUID {
		return false
	}
	if r.SeriesUID != "" && r.SeriesUID != other.SeriesUID {
		return false
	}
	if r.InstanceUID != "" && r.InstanceUID != other.InstanceUID {
		return false
	}
	return true
}

func (r Reference) String() string {
	switch r.Level() {
	case LevelInstance:
		return fmt.Sprintf("instance %s/%s/%s", r.StudyUID, r.SeriesUID, r.InstanceUID)
	case LevelSeries:
		return fmt.Sprintf("series %s/%s", r.StudyUID, r.SeriesUID)
	default:
		return fmt.Sprintf("study %s", r.StudyUID)
	}
}

// Downloadable is anything that can be handed to a downloader: a reference or
// a record subtree. The set of implementations is closed.
type Downloadable interface {
	// Ref is the identifying tuple of the node itself
	Ref() Reference
	// Flatten expands the node into its leaf references, in order
	Flatten() []Reference

	downloadable()
}

func (r Reference) Ref() Reference       { return r }
func (r Reference) Flatten() []Reference { return []Reference{r} }

func (Reference) downloadable() {}
func (*Study) downloadable()    {}
func (*Series) downloadable()   {}
func (*Instance) downloadable() {}

// Study is a study record as returned by a searcher. Series is only populated
// when the originating query went below study level.
type Study struct {
	UID        string            `json:"uid"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Series     []*Series         `json:"series,omitempty"`
}

// Series is a series record. StudyUID must match the owning study.
type Series struct {
	UID        string            `json:"uid"`
	StudyUID   string            `json:"study_uid"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Instances  []*Instance       `json:"instances,omitempty"`
}

// Instance is a single object record
type Instance struct {
	UID        string            `json:"uid"`
	StudyUID   string            `json:"study_uid"`
	SeriesUID  string            `json:"series_uid"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (s *Study) Ref() Reference    { return StudyRef(s.UID) }
func (s *Series) Ref() Reference   { return SeriesRef(s.StudyUID, s.UID) }
func (i *Instance) Ref() Reference { return InstanceRef(i.StudyUID, i.SeriesUID, i.UID) }

func (i *Instance) Flatten() []Reference { return []Reference{i.Ref()} }

func (s *Study) Flatten() []Reference {
	if len(s.Series) == 0 {
		return []Reference{s.Ref()}
	}
	var refs []Reference
	for _, series := range s.Series {
		refs = append(refs, series.Flatten()...)
	}
	return refs
}

func (s *Series) Flatten() []Reference {
	if len(s.Instances) == 0 {
		return []Reference{s.Ref()}
	}
	refs := make([]Reference, 0, len(s.Instances))
	for _, instance := range s.Instances {
		refs = append(refs, instance.Ref())
	}
	return refs
}

// Attribute returns a single attribute value, or "" if absent
func (s *Study) Attribute(keyword string) string    { return s.Attributes[keyword] }
func (s *Series) Attribute(keyword string) string   { return s.Attributes[keyword] }
func (i *Instance) Attribute(keyword string) string { return i.Attributes[keyword] }

// Validate checks uids, parent links and uniqueness of children
func (s *Study) Validate() error {
	if s.UID == "" {
		return fmt.Errorf("study without uid")
	}
	seen := make(map[string]bool, len(s.Series))
	for _, series := range s.Series {
		if series.StudyUID != s.UID {
			return fmt.Errorf("series %s belongs to study %s, not %s", series.UID, series.StudyUID, s.UID)
		}
		if seen[series.UID] {
			return fmt.Errorf("duplicate series %s in study %s", series.UID, s.UID)
		}
		seen[series.UID] = true
		if err := series.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Series) Validate() error {
	if s.UID == "" {
		return fmt.Errorf("series without uid in study %s", s.StudyUID)
	}
	seen := make(map[string]bool, len(s.Instances))
	for _, instance := range s.Instances {
		if instance.UID == "" {
			return fmt.Errorf("instance without uid in series %s", s.UID)
		}
		if instance.SeriesUID != s.UID || instance.StudyUID != s.StudyUID {
			return fmt.Errorf("instance %s is not part of series %s", instance.UID, s.UID)
		}
		if seen[instance.UID] {
			return fmt.Errorf("duplicate instance %s in series %s", instance.UID, s.UID)
		}
		seen[instance.UID] = true
	}
	return nil
}

// ContainedReferences returns the references at exactly level that d
// denotes. Nodes deeper than level are cut down to it (without duplicates).
// ErrNoReferences is returned when some branch of d stops above level.
func ContainedReferences(d Downloadable, level Level) ([]Reference, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid level %q", level)
	}
	var refs []Reference
	seen := make(map[Reference]bool)
	for _, leaf := range d.Flatten() {
		if leaf.Level().Depth() < level.Depth() {
			return nil, fmt.Errorf("%w: %s has no %s children", ErrNoReferences, leaf, level)
		}
		ref := leaf.Truncate(level)
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

// FlattenAll concatenates the leaf references of every downloadable in order
func FlattenAll(items ...Downloadable) []Reference {
	var refs []Reference
	for _, item := range items {
		refs = append(refs, item.Flatten()...)
	}
	return refs
}

// ShortString renders a compact summary of a study tree for log lines
func (s *Study) ShortString() string {
	instances := 0
	for _, series := range s.Series {
		instances += len(series.Instances)
	}
	return fmt.Sprintf("study %s (%d series, %d instances)", s.UID, len(s.Series), instances)
}

// StudyOf builds the smallest study tree whose leaves are refs. All refs
// must belong to one study and none may contain another.
func StudyOf(refs []Reference) (*Study, error) {
	if len(refs) == 0 {
		return nil, ErrNoReferences
	}
	study := &Study{UID: refs[0].StudyUID}
	seriesByUID := make(map[string]*Series)
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return nil, err
		}
		if ref.StudyUID != study.UID {
			return nil, fmt.Errorf("%w: %s is not part of study %s", ErrInvalidReference, ref, study.UID)
		}
		if ref.Level() == LevelStudy {
			if len(refs) > 1 {
				return nil, fmt.Errorf("%w: study reference mixed with deeper references", ErrInvalidReference)
			}
			return study, nil
		}
		series, ok := seriesByUID[ref.SeriesUID]
		if !ok {
			series = &Series{UID: ref.SeriesUID, StudyUID: ref.StudyUID}
			seriesByUID[ref.SeriesUID] = series
			study.Series = append(study.Series, series)
		} else if ref.Level() == LevelSeries || len(series.Instances) == 0 {
			return nil, fmt.Errorf("%w: %s overlaps another reference", ErrInvalidReference, ref)
		}
		if ref.Level() == LevelInstance {
			series.Instances = append(series.Instances, &Instance{
				UID:       ref.InstanceUID,
				StudyUID:  ref.StudyUID,
				SeriesUID: ref.SeriesUID,
			})
		}
	}
	if err := study.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return study, nil
}

// ParseReference reads "study[/series[/instance]]"
func ParseReference(s string) (Reference, error) {
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return Reference{}, fmt.Errorf("invalid reference %q: too many components", s)
	}
	var ref Reference
	ref.StudyUID = parts[0]
	if len(parts) > 1 {
		ref.SeriesUID = parts[1]
	}
	if len(parts) > 2 {
		ref.InstanceUID = parts[2]
	}
	if err := ref.Validate(); err != nil {
		return Reference{}, fmt.Errorf("invalid reference %q: %w", s, err)
	}
	return ref, nil
}
