package adapters

import (
	"context"
	"fmt"
	"iter"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Searcher runs queries against a PACS and returns record trees populated to
// the query level
type Searcher interface {
	FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error)
}

// Downloader retrieves datasets from a PACS.
//
// Fetch decides from the identifiers alone whether it can serve d; it must not
// perform network I/O. Requests are made while the returned stream is
// iterated. Streams are single use.
type Downloader interface {
	Fetch(ctx context.Context, d models.Downloadable) FetchResult
}

// DatasetStream yields datasets lazily. An *ItemError with Ignored set
// reports a skipped item and the stream carries on; any other error ends it.
type DatasetStream = iter.Seq2[*models.Dataset, error]

// FetchKind tags a FetchResult
type FetchKind int

const (
	FetchOK FetchKind = iota
	FetchNeedsMoreDetail
	FetchFailed
)

func (k FetchKind) String() string {
	switch k {
	case FetchOK:
		return "ok"
	case FetchNeedsMoreDetail:
		return "needs_more_detail"
	case FetchFailed:
		return "failed"
	default:
		return fmt.Sprintf("FetchKind(%d)", int(k))
	}
}

// FetchResult is the outcome of Downloader.Fetch: a stream, a request for
// identifiers at a deeper level, or an error
type FetchResult struct {
	kind   FetchKind
	stream DatasetStream
	level  models.Level
	err    error
}

// Stream wraps a dataset stream in a successful result
func Stream(stream DatasetStream) FetchResult {
	return FetchResult{kind: FetchOK, stream: stream}
}

// NeedsMoreDetail asks the caller to resolve the downloadable down to level and try again
func NeedsMoreDetail(level models.Level) FetchResult {
	return FetchResult{kind: FetchNeedsMoreDetail, level: level}
}

// Failed reports a fetch that could not be started
func Failed(err error) FetchResult {
	return FetchResult{kind: FetchFailed, err: err}
}

func (r FetchResult) Kind() FetchKind         { return r.kind }
func (r FetchResult) Datasets() DatasetStream { return r.stream }
func (r FetchResult) Level() models.Level     { return r.level }
func (r FetchResult) Err() error              { return r.err }

// FindStudy runs query and expects exactly one study back
func FindStudy(ctx context.Context, s Searcher, query models.Query) (*models.Study, error) {
	studies, err := s.FindStudies(ctx, query)
	if err != nil {
		return nil, err
	}
	switch len(studies) {
	case 0:
		return nil, fmt.Errorf("no study found for query %s", query.ShortString())
	case 1:
		return studies[0], nil
	default:
		return nil, fmt.Errorf("expected one study for query %s, found %d", query.ShortString(), len(studies))
	}
}

// FindStudyByID fetches the study containing ref, populated down to level
func FindStudyByID(ctx context.Context, s Searcher, ref models.Reference, level models.Level) (*models.Study, error) {
	return FindStudy(ctx, s, models.QueryByID(ref, level))
}

// Source pairs the searcher and downloader configured for one PACS
type Source struct {
	Config     models.PACSConfig
	Searcher   Searcher
	Downloader Downloader
	closers    []func() error
}

// TestConnection checks the searcher side of the source
func (s *Source) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	if t, ok := s.Searcher.(interface {
		TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	}); ok {
		return t.TestConnection(ctx)
	}
	return nil, fmt.Errorf("searcher for %s does not support connection tests", s.Config.Type)
}

// Close releases the adapters of the source
func (s *Source) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
