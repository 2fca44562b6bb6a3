package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Placeholder path component for uids missing from a dataset
const unknownUID = "unknown"

// Storage persists fetched datasets. Save reads ds.Body to the end but does
// not close it; the caller owns the dataset.
type Storage interface {
	Save(ctx context.Context, ds *models.Dataset, root string) (string, error)
}

// StorageError is returned when a dataset could not be written
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to store dataset at %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// component checks that a uid can be used as a single path element
func component(uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return unknownUID, nil
	}
	if uid == "." || uid == ".." || strings.ContainsAny(uid, `/\`) || strings.ContainsRune(uid, 0) {
		return "", fmt.Errorf("uid %q cannot be used as a path element", uid)
	}
	return uid, nil
}

// components returns the study, series and instance path elements of ref
func components(ref models.Reference) ([]string, error) {
	parts := make([]string, 0, 3)
	for _, uid := range []string{ref.StudyUID, ref.SeriesUID, ref.InstanceUID} {
		c, err := component(uid)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	return parts, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
