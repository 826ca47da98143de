package dto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Recording     RecordingConfig     `mapstructure:"recording"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ByteSize is a size in bytes. It decodes from plain integers and from
// strings with a k, m or g suffix ("512k", "10m").
type ByteSize int64

// ParseByteSize parses a size with an optional binary unit suffix.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return ByteSize(n * mult), nil
}

// String formats the size with the largest exact unit.
func (b ByteSize) String() string {
	switch {
	case b != 0 && b%(1<<30) == 0:
		return strconv.FormatInt(int64(b>>30), 10) + "g"
	case b != 0 && b%(1<<20) == 0:
		return strconv.FormatInt(int64(b>>20), 10) + "m"
	case b != 0 && b%(1<<10) == 0:
		return strconv.FormatInt(int64(b>>10), 10) + "k"
	}
	return strconv.FormatInt(int64(b), 10)
}

// RecordingConfig contains the engine options. Zero sizes are unspecified
// and filled in by memory reconciliation.
type RecordingConfig struct {
	GlobalBufferSize ByteSize       `mapstructure:"globalbuffersize"`
	NumGlobalBuffers int            `mapstructure:"numglobalbuffers"`
	MaxChunkSize     ByteSize       `mapstructure:"maxchunksize"`
	MemorySize       ByteSize       `mapstructure:"memorysize"`
	ThreadBufferSize ByteSize       `mapstructure:"threadbuffersize"`
	StackDepth       int            `mapstructure:"stackdepth"`
	OldObjectQueue   int            `mapstructure:"old-object-queue-size"`
	Repository       string         `mapstructure:"repository"`
	PreserveRepo     bool           `mapstructure:"preserve-repository"`
	FlushInterval    time.Duration  `mapstructure:"flush_interval"`
	MaxAge           time.Duration  `mapstructure:"max_age"`
	FullRatio        float64        `mapstructure:"full_ratio"`
	MemoryLimit      ByteSize       `mapstructure:"memory_limit"`
	Sampling         SamplingConfig `mapstructure:"sampling"`
}

// SamplingConfig contains execution sampler settings. Throttle caps the
// samples recorded per ThrottlePeriod; zero leaves sampling unthrottled.
type SamplingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	BufferSize     ByteSize      `mapstructure:"buffer_size"`
	Buffers        int           `mapstructure:"buffers"`
	MaxGoroutines  int           `mapstructure:"max_goroutines"`
	Throttle       int64         `mapstructure:"throttle"`
	ThrottlePeriod time.Duration `mapstructure:"throttle_period"`
}

// ArchiveConfig contains settings for copying completed chunks to storage
type ArchiveConfig struct {
	Backend       string      `mapstructure:"backend"`
	Compression   string      `mapstructure:"compression"`
	BasePath      string      `mapstructure:"base_path"`
	CatalogFormat string      `mapstructure:"catalog_format"`
	CatalogPath   string      `mapstructure:"catalog_path"`
	S3            S3Config    `mapstructure:"s3"`
	Azure         AzureConfig `mapstructure:"azure"`
	GCS           GCSConfig   `mapstructure:"gcs"`
	File          FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	Endpoint    string `mapstructure:"endpoint"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket               string `mapstructure:"bucket"`
	ProjectID            string `mapstructure:"project_id"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	Endpoint             string `mapstructure:"endpoint"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// NotifyConfig contains chunk notification settings
type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig contains Kafka producer configuration
type KafkaConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	BootstrapServers   []string `mapstructure:"bootstrap_servers"`
	Topic              string   `mapstructure:"topic"`
	ClientID           string   `mapstructure:"client_id"`
	SecurityProtocol   string   `mapstructure:"security_protocol"`
	SASLMechanism      string   `mapstructure:"sasl_mechanism"`
	SASLUsername       string   `mapstructure:"sasl_username"`
	SASLPassword       string   `mapstructure:"sasl_password"`
	AWSRegion          string   `mapstructure:"aws_region"`
	InsecureSkipVerify bool     `mapstructure:"tls_insecure_skip_verify"`
	MaxRetries         int      `mapstructure:"max_retries"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddSource bool   `mapstructure:"add_source"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains HTTP server settings
type HealthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if err := c.Recording.Validate(); err != nil {
		return err
	}
	if c.Notify.Kafka.Enabled {
		if err := c.Notify.Kafka.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the recording options that do not depend on each other.
// Sizes are reconciled separately.
func (c *RecordingConfig) Validate() error {
	switch {
	case c.GlobalBufferSize < 0, c.MemorySize < 0, c.ThreadBufferSize < 0, c.MaxChunkSize < 0:
		return fmt.Errorf("recording sizes must not be negative")
	case c.NumGlobalBuffers < 0:
		return fmt.Errorf("numglobalbuffers must not be negative")
	case c.StackDepth < 1 || c.StackDepth > 2048:
		return fmt.Errorf("stackdepth must be between 1 and 2048, got %d", c.StackDepth)
	case c.OldObjectQueue < 0:
		return fmt.Errorf("old-object-queue-size must not be negative")
	case c.FullRatio <= 0 || c.FullRatio > 1:
		return fmt.Errorf("full_ratio must be in (0, 1], got %v", c.FullRatio)
	case c.FlushInterval <= 0:
		return fmt.Errorf("flush_interval must be positive")
	case c.MaxAge < 0:
		return fmt.Errorf("max_age must not be negative")
	}
	if c.Sampling.Enabled && c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling interval must be positive")
	}
	return nil
}

// Validate validates Kafka notifier configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if c.SASLMechanism == "SCRAM-SHA-256" || c.SASLMechanism == "SCRAM-SHA-512" || c.SASLMechanism == "PLAIN" {
		if c.SASLUsername == "" {
			return fmt.Errorf("kafka sasl username is required for %s", c.SASLMechanism)
		}
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.AccountKey == "" {
		return fmt.Errorf("azure account key is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}
