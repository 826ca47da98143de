package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jittakal/flightrec/pkg/event"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Archiver = (*S3Archiver)(nil)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	SSEEnabled   bool
	SSEKMSKeyID  string
}

// Validate validates S3 configuration.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// S3Archiver uploads completed chunks to AWS S3 with multipart upload
// support and optional server-side encryption (SSE).
type S3Archiver struct {
	archiver
	uploader *manager.Uploader
	cfg      S3Config
}

// NewS3Archiver creates a new S3 archiver.
func NewS3Archiver(
	ctx context.Context,
	cfg S3Config,
	router pkgstorage.Router,
	compression Compression,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Load AWS config
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	// Create uploader with multipart upload support
	uploader := manager.NewUploader(s3Client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024 // 10MB parts
		u.Concurrency = 5
	})

	a := &S3Archiver{uploader: uploader, cfg: cfg}
	a.archiver = archiver{
		backend:     "s3",
		router:      router,
		compression: compression,
		upload:      a.put,
		location:    a.uri,
		logger:      logger,
		metrics:     metrics,
	}

	logger.Info("S3 archiver created",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"compression", compression,
		"sse_enabled", cfg.SSEEnabled,
	)
	return a, nil
}

// Archive uploads the chunk and returns its s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, info event.ChunkInfo) (string, error) {
	return a.archive(ctx, info)
}

func (a *S3Archiver) uri(key string) string {
	return "s3://" + a.cfg.Bucket + "/" + key
}

// putInput builds the upload request for key.
func (a *S3Archiver) putInput(key string, body io.Reader) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(a.compression.ContentType()),
	}
	if a.cfg.SSEEnabled {
		if a.cfg.SSEKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(a.cfg.SSEKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}
	return input
}

func (a *S3Archiver) put(ctx context.Context, key string, body io.Reader, _ int64) error {
	result, err := a.uploader.Upload(ctx, a.putInput(key, body))
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	a.logger.Debug("S3 upload complete", "key", key, "location", result.Location)
	return nil
}

// Close closes the S3 archiver.
func (a *S3Archiver) Close() error {
	a.logger.Info("closing S3 archiver")
	return nil
}
