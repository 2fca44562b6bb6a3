package trolley

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// State of a work item. Items move Pending -> (Resolving ->) Resolved ->
// Fetching and end in one of the terminal states.
type State string

const (
	StatePending     State = "pending"
	StateResolving   State = "resolving"
	StateResolved    State = "resolved"
	StateFetching    State = "fetching"
	StateStored      State = "stored"
	StateSkipped     State = "skipped"
	StateFailed      State = "failed"
	StateUnattempted State = "unattempted"
)

var transitions = map[State][]State{
	StatePending:   {StateResolving, StateResolved, StateFailed, StateUnattempted},
	StateResolving: {StateResolved, StateFailed, StateUnattempted},
	StateResolved:  {StateFetching, StateUnattempted},
	StateFetching:  {StateStored, StateSkipped, StateFailed, StateUnattempted},
}

// Terminal reports whether no further transitions leave s
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether an item may move from s to next
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// StoredDataset is one dataset written by the storage sink
type StoredDataset struct {
	Ref  models.Reference `json:"ref"`
	Path string           `json:"path"`
}

// SkippedDataset is one dataset the downloader skipped over
type SkippedDataset struct {
	Ref models.Reference `json:"ref"`
	Err error            `json:"-"`
}

func (s SkippedDataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref    models.Reference `json:"ref"`
		Reason string           `json:"reason"`
	}{s.Ref, errString(s.Err)})
}

// ItemOutcome tracks one flattened input tuple
type ItemOutcome struct {
	// Target is the tuple as given; Origin the input it was flattened from
	Target models.Reference `json:"target"`
	Origin models.Reference `json:"origin"`
	State  State            `json:"state"`

	Backfilled bool               `json:"backfilled"`
	Resolved   []models.Reference `json:"resolved,omitempty"`
	Stored     []StoredDataset    `json:"stored,omitempty"`
	Skipped    []SkippedDataset   `json:"skipped,omitempty"`

	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

func (o *ItemOutcome) MarshalJSON() ([]byte, error) {
	type alias ItemOutcome
	return json.Marshal(struct {
		*alias
		Error string `json:"error,omitempty"`
	}{(*alias)(o), errString(o.Err)})
}

// advance moves the item to next. Moves the state machine does not allow are
// ignored and reported as false.
func (o *ItemOutcome) advance(next State) bool {
	if !o.State.CanTransition(next) {
		return false
	}
	o.State = next
	return true
}

func (o *ItemOutcome) fail(err error) {
	if o.advance(StateFailed) {
		o.Err = err
	}
}

// finish settles a fetched item: stored when at least one dataset was
// written, skipped otherwise
func (o *ItemOutcome) finish() {
	if len(o.Stored) == 0 {
		o.advance(StateSkipped)
		return
	}
	o.advance(StateStored)
}

// Report lists the outcome of every item of a download
type Report struct {
	ID         uuid.UUID      `json:"id"`
	Root       string         `json:"root"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Items      []*ItemOutcome `json:"items"`
}

func (r *Report) inState(state State) []*ItemOutcome {
	var items []*ItemOutcome
	for _, item := range r.Items {
		if item.State == state {
			items = append(items, item)
		}
	}
	return items
}

func (r *Report) Stored() []*ItemOutcome      { return r.inState(StateStored) }
func (r *Report) Skipped() []*ItemOutcome     { return r.inState(StateSkipped) }
func (r *Report) Failed() []*ItemOutcome      { return r.inState(StateFailed) }
func (r *Report) Unattempted() []*ItemOutcome { return r.inState(StateUnattempted) }

// StoredPaths returns the path of every stored dataset
func (r *Report) StoredPaths() []string {
	var paths []string
	for _, item := range r.Items {
		for _, s := range item.Stored {
			paths = append(paths, s.Path)
		}
	}
	return paths
}

// SkippedRefs returns every dataset reference skipped over, including those
// of items that stored other datasets
func (r *Report) SkippedRefs() []models.Reference {
	var refs []models.Reference
	for _, item := range r.Items {
		for _, s := range item.Skipped {
			refs = append(refs, s.Ref)
		}
	}
	return refs
}

// Succeeded reports whether every item ended stored or skipped
func (r *Report) Succeeded() bool {
	for _, item := range r.Items {
		if item.State != StateStored && item.State != StateSkipped {
			return false
		}
	}
	return true
}

func (r *Report) String() string {
	return fmt.Sprintf("report %s: %d items, %d stored, %d skipped, %d failed, %d unattempted",
		r.ID, len(r.Items), len(r.Stored()), len(r.Skipped()), len(r.Failed()), len(r.Unattempted()))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
