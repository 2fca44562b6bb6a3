package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Dir stores datasets as root/study/series/instance
type Dir struct{}

// NewDir creates the default hierarchical disk storage
func NewDir() *Dir {
	return &Dir{}
}

// PathFor derives the destination of ref under root. It only depends on the uids.
func (d *Dir) PathFor(root string, ref models.Reference) (string, error) {
	parts, err := components(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// Save writes ds to its path under root
func (d *Dir) Save(ctx context.Context, ds *models.Dataset, root string) (string, error) {
	path, err := d.PathFor(root, ds.Ref)
	if err != nil {
		return "", &StorageError{Path: root, Err: err}
	}
	if err := writeFile(ctx, path, ds.Body); err != nil {
		return "", &StorageError{Path: path, Err: err}
	}
	return path, nil
}

// FlatDir stores every dataset directly in root, named by instance uid
type FlatDir struct{}

// NewFlatDir creates flat disk storage
func NewFlatDir() *FlatDir {
	return &FlatDir{}
}

// PathFor derives the destination of ref under root
func (f *FlatDir) PathFor(root string, ref models.Reference) (string, error) {
	name, err := component(ref.InstanceUID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

// Save writes ds to root/instance
func (f *FlatDir) Save(ctx context.Context, ds *models.Dataset, root string) (string, error) {
	path, err := f.PathFor(root, ds.Ref)
	if err != nil {
		return "", &StorageError{Path: root, Err: err}
	}
	if err := writeFile(ctx, path, ds.Body); err != nil {
		return "", &StorageError{Path: path, Err: err}
	}
	return path, nil
}

// writeFile writes r to path through a temp file and rename, so readers never
// see a partial file
func writeFile(ctx context.Context, path string, r io.Reader) error {
	if r == nil {
		return fmt.Errorf("dataset has no payload")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
