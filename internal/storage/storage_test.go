package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataset(ref models.Reference, body string) *models.Dataset {
	return &models.Dataset{
		Ref:         ref,
		ContentType: "application/dicom",
		Size:        int64(len(body)),
		Body:        io.NopCloser(strings.NewReader(body)),
	}
}

func TestDirPathIsDeterministic(t *testing.T) {
	d := NewDir()
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")

	first, err := d.PathFor("/data", ref)
	require.NoError(t, err)
	second, err := d.PathFor("/data", ref)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/data", "1.2", "1.2.3", "1.2.3.4"), first)
	assert.Equal(t, first, second)
}

func TestDirSave(t *testing.T) {
	root := t.TempDir()
	d := NewDir()
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")

	path, err := d.Save(context.Background(), dataset(ref, "payload"), root)
	require.NoError(t, err)

	expected, err := d.PathFor(root, ref)
	require.NoError(t, err)
	assert.Equal(t, expected, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Saving again replaces the file
	_, err = d.Save(context.Background(), dataset(ref, "second"), root)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirMissingUIDsUsePlaceholder(t *testing.T) {
	path, err := NewDir().PathFor("/data", models.Reference{StudyUID: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "1.2", "unknown", "unknown"), path)
}

func TestDirRejectsUnsafeUIDs(t *testing.T) {
	root := t.TempDir()
	for _, ref := range []models.Reference{
		models.InstanceRef("1.2", "..", "1.2.3"),
		models.InstanceRef("1.2", "1.2.3", "a/b"),
		models.InstanceRef(`1\2`, "1.2.3", "1.2.3.4"),
	} {
		_, err := NewDir().Save(context.Background(), dataset(ref, "x"), root)
		var storageErr *StorageError
		assert.ErrorAs(t, err, &storageErr, ref.String())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestDirFailedWriteLeavesNothing(t *testing.T) {
	root := t.TempDir()
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")
	ds := &models.Dataset{Ref: ref, Body: io.NopCloser(io.MultiReader(strings.NewReader("partial"), failingReader{}))}

	_, err := NewDir().Save(context.Background(), ds, root)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Contains(t, err.Error(), "connection reset")

	entries, err := os.ReadDir(filepath.Join(root, "1.2", "1.2.3"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirCanceledWriteLeavesNothing(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDir().Save(ctx, dataset(models.InstanceRef("1", "1.1", "1.1.1"), "x"), root)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(filepath.Join(root, "1", "1.1", "1.1.1"))
	assert.True(t, os.IsNotExist(err))
}

func TestFlatDirSave(t *testing.T) {
	root := t.TempDir()
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")

	path, err := NewFlatDir().Save(context.Background(), dataset(ref, "flat"), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "1.2.3.4"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "flat", string(data))
}

type fakeS3 struct {
	key         string
	contentType string
	length      int64
	body        []byte
	err         error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(params.Key)
	f.contentType = aws.ToString(params.ContentType)
	f.length = aws.ToInt64(params.ContentLength)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Save(t *testing.T) {
	client := &fakeS3{}
	store := &S3{client: client, bucket: "studies", spoolDir: t.TempDir()}
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")

	ds := dataset(ref, "object body")
	ds.Size = -1
	location, err := store.Save(context.Background(), ds, "/incoming/")
	require.NoError(t, err)

	assert.Equal(t, "s3://studies/incoming/1.2/1.2.3/1.2.3.4", location)
	assert.Equal(t, "incoming/1.2/1.2.3/1.2.3.4", client.key)
	assert.Equal(t, "application/dicom", client.contentType)
	assert.EqualValues(t, len("object body"), client.length)
	assert.Equal(t, "object body", string(client.body))

	// The spool file is gone after the upload
	entries, err := os.ReadDir(store.spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestS3SaveSeekableBody(t *testing.T) {
	client := &fakeS3{}
	store := &S3{client: client, bucket: "studies"}
	ref := models.InstanceRef("1.2", "1.2.3", "1.2.3.4")

	body := bytes.NewReader([]byte("seekable"))
	ds := &models.Dataset{Ref: ref, Size: int64(body.Len()), Body: struct {
		io.ReadSeeker
		io.Closer
	}{body, io.NopCloser(nil)}}

	location, err := store.Save(context.Background(), ds, "")
	require.NoError(t, err)
	assert.Equal(t, "s3://studies/1.2/1.2.3/1.2.3.4", location)
	assert.Equal(t, "seekable", string(client.body))
}

func TestS3SaveError(t *testing.T) {
	store := &S3{client: &fakeS3{err: errors.New("access denied")}, bucket: "studies", spoolDir: t.TempDir()}

	_, err := store.Save(context.Background(), dataset(models.InstanceRef("1", "1.1", "1.1.1"), "x"), "p")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "s3://studies/p/1/1.1/1.1.1", storageErr.Path)
	assert.ErrorContains(t, err, "access denied")
}
