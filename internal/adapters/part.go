package adapters

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"strings"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const dicomContentType = "application/dicom"

// spooledFile removes its backing temp file on Close
type spooledFile struct {
	*os.File
}

func (f spooledFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// spoolDataset copies r to a temp file in dir and reads the uids from its
// header. Uids missing from the header are taken from fallback.
func spoolDataset(r io.Reader, contentType, dir string, fallback models.Reference) (*models.Dataset, error) {
	f, err := os.CreateTemp(dir, "trolley-*.dcm")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	spooled := spooledFile{f}

	size, err := io.Copy(f, r)
	if err != nil {
		spooled.Close()
		return nil, ClassifyError(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		spooled.Close()
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	ref, err := readReference(f, size, fallback)
	if err != nil {
		spooled.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		spooled.Close()
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	if contentType == "" {
		contentType = dicomContentType
	}
	return &models.Dataset{Ref: ref, ContentType: contentType, Size: size, Body: spooled}, nil
}

// readReference parses the header of a part10 stream, skipping pixel data
func readReference(r io.Reader, size int64, fallback models.Reference) (models.Reference, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return models.Reference{}, fmt.Errorf("%w: not a DICOM object: %v", ErrMalformedResponse, err)
	}

	ref := models.InstanceRef(
		firstString(ds, tag.StudyInstanceUID),
		firstString(ds, tag.SeriesInstanceUID),
		firstString(ds, tag.SOPInstanceUID),
	)
	if ref.StudyUID == "" {
		ref.StudyUID = fallback.StudyUID
	}
	if ref.SeriesUID == "" {
		ref.SeriesUID = fallback.SeriesUID
	}
	if ref.InstanceUID == "" {
		ref.InstanceUID = fallback.InstanceUID
	}
	if ref.InstanceUID == "" {
		return models.Reference{}, fmt.Errorf("%w: dataset without SOPInstanceUID", ErrMalformedResponse)
	}
	return ref, nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(values[0]), "\x00")
}

// newMultipartReader checks that contentType is multipart and returns a part reader over body
func newMultipartReader(body io.Reader, contentType string) (*multipart.Reader, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid content type %q: %v", ErrMalformedResponse, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("%w: expected multipart response, got %s", ErrMalformedResponse, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart response without boundary", ErrMalformedResponse)
	}
	return multipart.NewReader(body, boundary), nil
}

// yieldParts spools every remaining part of mr and hands it to yield. Parts
// that cannot be parsed become item errors for fallback; the walk stops at
// the first error that is not ignored or when yield returns false.
func yieldParts(mr *multipart.Reader, spoolDir string, fallback models.Reference, ignore IgnoreSet, yield func(*models.Dataset, error) bool) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, ignore.ItemError(fallback, ClassifyError(err)))
			return
		}

		ds, err := spoolDataset(part, part.Header.Get("Content-Type"), spoolDir, fallback)
		part.Close()
		if err != nil {
			itemErr := ignore.ItemError(fallback, err)
			if !yield(nil, itemErr) || !itemErr.Ignored {
				return
			}
			continue
		}
		if !yield(ds, nil) {
			return
		}
	}
}
