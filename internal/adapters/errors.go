package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Item error causes
var (
	ErrDocumentMissing   = errors.New("document missing")
	ErrMalformedResponse = errors.New("malformed response")
	ErrServerError       = errors.New("server error")
	ErrTransport         = errors.New("transport failure")
)

// ErrTimeout and ErrCanceled mark failures caused by deadlines and
// cancellation so callers can tell them from rejected requests
var (
	ErrTimeout  = errors.New("timeout")
	ErrCanceled = errors.New("canceled")
)

// QueryError is returned by searchers when a backend rejects or fails a query
type QueryError struct {
	Backend string
	Query   string
	Err     error
}

func (e *QueryError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("%s query failed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s query failed (%s): %v", e.Backend, e.Query, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// ItemError reports that one item of a fetch failed. Ignored is set by the
// downloader when Cause is in its ignore set; the stream continues after an
// ignored item error.
type ItemError struct {
	Ref     models.Reference
	Cause   error
	Ignored bool
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Ref, e.Cause)
}

func (e *ItemError) Unwrap() error {
	return e.Cause
}

// IgnoreSet holds the item error causes a downloader skips over
type IgnoreSet []error

var ignoreNames = map[string]error{
	"document_missing":   ErrDocumentMissing,
	"malformed_response": ErrMalformedResponse,
	"server_error":       ErrServerError,
	"transport":          ErrTransport,
	"timeout":            ErrTimeout,
}

// ParseIgnoreSet maps cause names such as "document_missing" to their errors
func ParseIgnoreSet(names []string) (IgnoreSet, error) {
	var set IgnoreSet
	for _, name := range names {
		cause, ok := ignoreNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown ignorable error %q", name)
		}
		set = append(set, cause)
	}
	return set, nil
}

// Matches reports whether err is one of the ignorable causes
func (s IgnoreSet) Matches(err error) bool {
	for _, cause := range s {
		if errors.Is(err, cause) {
			return true
		}
	}
	return false
}

// ItemError builds the error for ref, marking it ignored when the cause matches
func (s IgnoreSet) ItemError(ref models.Reference, cause error) *ItemError {
	return &ItemError{Ref: ref, Cause: cause, Ignored: s.Matches(cause)}
}

// ClassifyError tags transport errors with ErrCanceled, ErrTimeout or ErrTransport
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
