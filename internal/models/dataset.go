package models

import "io"

// Dataset is one fetched DICOM object. Body streams the part10 bytes and
// must be closed by whoever consumes it.
type Dataset struct {
	Ref         Reference
	ContentType string
	// Size is -1 when unknown
	Size int64
	Body io.ReadCloser
}

// Close releases the payload. Safe to call on a nil body.
func (d *Dataset) Close() error {
	if d == nil || d.Body == nil {
		return nil
	}
	return d.Body.Close()
}
