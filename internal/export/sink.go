package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("clipfactory/export/sink")

// Sink stores exported objects under slash-separated keys.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Location(key string) string
}

// LocalSink writes objects below a directory.
type LocalSink struct {
	Root string
}

// NewLocalSink creates a LocalSink rooted at dir.
func NewLocalSink(dir string) *LocalSink {
	return &LocalSink{Root: dir}
}

// Put writes r to Root/key.
func (s *LocalSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	dst := s.Location(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return f.Close()
}

// Location returns the file path for key.
func (s *LocalSink) Location(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

// MinioSink uploads objects to a MinIO or S3-compatible bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioSink connects to endpoint and ensures the bucket exists.
func NewMinioSink(ctx context.Context, endpoint, accessKey, secretKey, bucket, prefix string, useSSL bool) (*MinioSink, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return &MinioSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *MinioSink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put uploads r as bucket/prefix/key.
func (s *MinioSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	obj := s.objectKey(key)
	ctx, span := tracer.Start(ctx, "minio.put_object", trace.WithAttributes(
		attribute.String("object_key", obj),
		attribute.Int64("size_bytes", size),
	))
	defer span.End()

	_, err := s.client.PutObject(ctx, s.bucket, obj, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload %s: %w", obj, err)
	}
	return nil
}

// Location returns the s3 URI for key.
func (s *MinioSink) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.objectKey(key))
}
