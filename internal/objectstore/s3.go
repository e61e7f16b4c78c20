package objectstore

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
)

// S3Options configures an S3 compatible bucket (R2, S3, MinIO).
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 writes objects to an S3 compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewS3 constructs a bucket writer. It does not contact the endpoint.
func NewS3(opts S3Options, logger *zap.Logger) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, logging.NewOperationError("objectstore.s3.new", "", err)
	}
	return &S3{client: client, bucket: opts.Bucket, logger: logger.Named("objectstore_s3")}, nil
}

// Put uploads data under key. Existing objects are overwritten.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return ErrEmptyKey
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return logging.NewOperationError("objectstore.s3.put", "", err)
	}
	s.logger.Debug("object stored",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag),
	)
	return nil
}
