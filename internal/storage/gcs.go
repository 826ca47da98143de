package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jittakal/flightrec/pkg/event"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

var _ pkgstorage.Archiver = (*GCSArchiver)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// Validate validates GCS configuration.
func (c GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// clientOptions translates the credential settings into client options.
// Explicit JSON wins over a credentials file; with neither, the default
// credential chain applies.
func (c GCSConfig) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	switch {
	case c.UseDefaultCredential:
	case c.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	return opts
}

// GCSArchiver uploads completed chunks to a Google Cloud Storage bucket.
type GCSArchiver struct {
	archiver
	client *storage.Client
	bucket string
}

// NewGCSArchiver creates a new GCS archiver.
func NewGCSArchiver(
	ctx context.Context,
	cfg GCSConfig,
	router pkgstorage.Router,
	compression Compression,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*GCSArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	a := &GCSArchiver{client: client, bucket: cfg.Bucket}
	a.archiver = archiver{
		backend:     "gcs",
		router:      router,
		compression: compression,
		upload:      a.put,
		location:    a.uri,
		logger:      logger,
		metrics:     metrics,
	}

	logger.Info("GCS archiver created",
		"bucket", cfg.Bucket,
		"project_id", cfg.ProjectID,
		"compression", compression,
	)
	return a, nil
}

// Archive uploads the chunk and returns its gs:// URI.
func (a *GCSArchiver) Archive(ctx context.Context, info event.ChunkInfo) (string, error) {
	return a.archive(ctx, info)
}

func (a *GCSArchiver) uri(key string) string {
	return "gs://" + a.bucket + "/" + key
}

func (a *GCSArchiver) put(ctx context.Context, key string, body io.Reader, _ int64) error {
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = a.compression.ContentType()
	w.Metadata = map[string]string{"producer": "flightrec"}

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Close closes the GCS client.
func (a *GCSArchiver) Close() error {
	a.logger.Info("closing GCS archiver")
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}
