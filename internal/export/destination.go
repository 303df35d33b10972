package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Destination stores snapshots.
type Destination interface {
	Write(ctx context.Context, name string, data []byte) error
}

// S3API is the part of the S3 client used by S3Destination.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads snapshots to an S3-compatible bucket under a key prefix.
type S3Destination struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Destination(client S3API, bucket, prefix string) *S3Destination {
	return &S3Destination{client: client, bucket: bucket, prefix: prefix}
}

func (d *S3Destination) Write(ctx context.Context, name string, data []byte) error {
	contentType := "application/zstd"
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(path.Join(d.prefix, name)),
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// FileDestination writes snapshots into a local directory.
type FileDestination struct {
	dir string
}

func NewFileDestination(dir string) (*FileDestination, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDestination{dir: dir}, nil
}

// Write creates name in the directory. A partially written snapshot is never visible under
// its final name.
func (d *FileDestination) Write(ctx context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(d.dir, name))
}
