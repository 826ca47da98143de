package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/jittakal/flightrec/pkg/event"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

var _ pkgstorage.Archiver = (*AzureArchiver)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

// Validate validates Azure configuration.
func (c AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.AccountKey == "" {
		return fmt.Errorf("azure account key is required")
	}
	if c.ContainerName == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// ConnectionString builds the storage account connection string.
func (c AzureConfig) ConnectionString() string {
	if c.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			c.AccountName, c.AccountKey, c.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		c.AccountName, c.AccountKey)
}

// AzureArchiver uploads completed chunks to an Azure Blob container.
type AzureArchiver struct {
	archiver
	client        *azblob.Client
	containerName string
}

// NewAzureArchiver creates a new Azure Blob archiver.
func NewAzureArchiver(
	cfg AzureConfig,
	router pkgstorage.Router,
	compression Compression,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*AzureArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	a := &AzureArchiver{client: client, containerName: cfg.ContainerName}
	a.archiver = archiver{
		backend:     "azure",
		router:      router,
		compression: compression,
		upload:      a.put,
		location:    a.uri,
		logger:      logger,
		metrics:     metrics,
	}

	logger.Info("Azure archiver created",
		"container", cfg.ContainerName,
		"account", cfg.AccountName,
		"compression", compression,
	)
	return a, nil
}

// Archive uploads the chunk and returns its wasbs:// URI.
func (a *AzureArchiver) Archive(ctx context.Context, info event.ChunkInfo) (string, error) {
	return a.archive(ctx, info)
}

func (a *AzureArchiver) uri(key string) string {
	return "wasbs://" + a.containerName + "/" + key
}

func (a *AzureArchiver) put(ctx context.Context, key string, body io.Reader, _ int64) error {
	var err error
	if f, ok := body.(*os.File); ok {
		_, err = a.client.UploadFile(ctx, a.containerName, key, f, nil)
	} else {
		_, err = a.client.UploadStream(ctx, a.containerName, key, body, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return nil
}

// Close closes the Azure archiver.
func (a *AzureArchiver) Close() error {
	a.logger.Info("Azure archiver closed")
	return nil
}
