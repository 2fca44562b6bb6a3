package trolley

import (
	"fmt"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// UnresolvableError is returned for an item the downloader still could not
// serve after one backfill, or whose backfill query failed
type UnresolvableError struct {
	Target models.Reference
	Level  models.Level
	Err    error
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("cannot resolve %s to %s level: %v", e.Target, e.Level, e.Err)
}

func (e *UnresolvableError) Unwrap() error {
	return e.Err
}
