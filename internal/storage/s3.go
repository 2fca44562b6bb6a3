package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// S3Config holds the settings of an S3 compatible bucket
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// SpoolDir buffers payloads that cannot be seeked, "" for the OS default
	SpoolDir string
}

// putObjectAPI is the part of the S3 client S3 storage uses
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores datasets as objects keyed root/study/series/instance
type S3 struct {
	client   putObjectAPI
	bucket   string
	spoolDir string
}

// NewS3 creates S3 storage. Path style addressing keeps MinIO and other
// S3 compatible services working.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3{client: client, bucket: cfg.Bucket, spoolDir: cfg.SpoolDir}, nil
}

// KeyFor derives the object key of ref under the root prefix
func (s *S3) KeyFor(root string, ref models.Reference) (string, error) {
	parts, err := components(ref)
	if err != nil {
		return "", err
	}
	prefix := strings.Trim(root, "/")
	if prefix == "" {
		return path.Join(parts...), nil
	}
	return path.Join(append([]string{prefix}, parts...)...), nil
}

// Save uploads ds and returns its s3:// location
func (s *S3) Save(ctx context.Context, ds *models.Dataset, root string) (string, error) {
	key, err := s.KeyFor(root, ds.Ref)
	if err != nil {
		return "", &StorageError{Path: root, Err: err}
	}
	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	if ds.Body == nil {
		return "", &StorageError{Path: location, Err: fmt.Errorf("dataset has no payload")}
	}

	body, size, cleanup, err := s.seekable(ctx, ds)
	if err != nil {
		return "", &StorageError{Path: location, Err: err}
	}
	defer cleanup()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(ds.ContentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", &StorageError{Path: location, Err: fmt.Errorf("failed to upload object: %w", err)}
	}
	return location, nil
}

// seekable returns a body the SDK can rewind for signing and retries,
// spooling to a temp file when the payload is a plain stream
func (s *S3) seekable(ctx context.Context, ds *models.Dataset) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := ds.Body.(io.ReadSeeker); ok {
		return rs, ds.Size, func() {}, nil
	}

	tmp, err := os.CreateTemp(s.spoolDir, "trolley-upload-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("creating spool file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	size, err := io.Copy(tmp, ctxReader{ctx: ctx, r: ds.Body})
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spooling payload: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("rewinding spool file: %w", err)
	}
	return tmp, size, cleanup, nil
}
