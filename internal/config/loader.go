// Package config loads recorder options from a YAML file and APP_ prefixed
// environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jittakal/flightrec/internal/config/dto"
	"github.com/jittakal/flightrec/internal/errors"
)

// Loader handles configuration loading and validation
type Loader struct {
	v        *viper.Viper
	pageSize int64
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, pageSize: int64(os.Getpagesize())}
}

// Load loads configuration from file and environment variables, validates
// it and reconciles the memory options. Validation failures are returned
// as *errors.ConfigError.
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !stderrors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	l.applyLegacyKeys()

	// Expand environment variables in config values
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := ReconcileMemory(&config.Recording, l.pageSize); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// legacyKeys maps underscore spellings of hyphenated options to the
// canonical key.
var legacyKeys = map[string]string{
	"recording.old_object_queue_size": "recording.old-object-queue-size",
	"recording.preserve_repository":   "recording.preserve-repository",
}

// applyLegacyKeys copies options given under a legacy spelling to their
// canonical key. The canonical spelling wins when both are present.
func (l *Loader) applyLegacyKeys() {
	for legacy, key := range legacyKeys {
		if l.v.InConfig(legacy) && !l.v.InConfig(key) {
			l.v.Set(key, l.v.Get(legacy))
		}
	}
}

// decodeHook extends viper's default hooks with size strings.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToByteSize,
	)
}

func stringToByteSize(_ reflect.Type, t reflect.Type, data any) (any, error) {
	if t != reflect.TypeOf(dto.ByteSize(0)) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return dto.ParseByteSize(s)
}

// setDefaults sets default configuration values. Sizes default to zero so
// that reconciliation can tell which ones were given.
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "flightrec")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Recording defaults
	l.v.SetDefault("recording.globalbuffersize", 0)
	l.v.SetDefault("recording.numglobalbuffers", 0)
	l.v.SetDefault("recording.memorysize", 0)
	l.v.SetDefault("recording.threadbuffersize", 0)
	l.v.SetDefault("recording.maxchunksize", "12m")
	l.v.SetDefault("recording.stackdepth", 64)
	l.v.SetDefault("recording.old-object-queue-size", 256)
	l.v.SetDefault("recording.repository", "")
	l.v.SetDefault("recording.preserve-repository", false)
	l.v.SetDefault("recording.flush_interval", "1s")
	l.v.SetDefault("recording.max_age", "0s")
	l.v.SetDefault("recording.full_ratio", 0.5)
	l.v.SetDefault("recording.memory_limit", 0)
	l.v.SetDefault("recording.sampling.enabled", true)
	l.v.SetDefault("recording.sampling.interval", "20ms")
	l.v.SetDefault("recording.sampling.buffer_size", "64k")
	l.v.SetDefault("recording.sampling.buffers", 4)
	l.v.SetDefault("recording.sampling.max_goroutines", 256)
	l.v.SetDefault("recording.sampling.throttle", 0)
	l.v.SetDefault("recording.sampling.throttle_period", "1s")

	// Archive defaults
	l.v.SetDefault("archive.backend", "none")
	l.v.SetDefault("archive.compression", "zstd")
	l.v.SetDefault("archive.base_path", "")
	l.v.SetDefault("archive.catalog_format", "none")
	l.v.SetDefault("archive.catalog_path", "")
	l.v.SetDefault("archive.s3.use_path_style", false)
	l.v.SetDefault("archive.s3.sse_enabled", true)

	// Notification defaults
	l.v.SetDefault("notify.kafka.enabled", false)
	l.v.SetDefault("notify.kafka.topic", "flightrec-chunks")
	l.v.SetDefault("notify.kafka.client_id", "flightrec")
	l.v.SetDefault("notify.kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("notify.kafka.max_retries", 5)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.enabled", true)
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period", "30s")
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if err := config.Validate(); err != nil {
		return &errors.ConfigError{Option: "config", Reason: err.Error()}
	}

	// Archive validation
	archive := config.Archive
	switch archive.Backend {
	case "", "none":
	case "s3":
		if err := archive.S3.Validate(); err != nil {
			return &errors.ConfigError{Option: "archive.s3", Reason: err.Error()}
		}
	case "azure":
		if err := archive.Azure.Validate(); err != nil {
			return &errors.ConfigError{Option: "archive.azure", Reason: err.Error()}
		}
	case "gcs":
		if archive.GCS.Bucket == "" {
			return &errors.ConfigError{Option: "archive.gcs.bucket", Reason: "required for GCS backend"}
		}
	case "file":
		if err := archive.File.Validate(); err != nil {
			return &errors.ConfigError{Option: "archive.file.base_path", Reason: err.Error()}
		}
	default:
		return &errors.ConfigError{Option: "archive.backend", Reason: fmt.Sprintf("unsupported backend %q", archive.Backend)}
	}

	switch archive.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return &errors.ConfigError{Option: "archive.compression", Reason: fmt.Sprintf("unsupported compression %q", archive.Compression)}
	}
	switch archive.CatalogFormat {
	case "", "none":
	case "parquet", "avro":
		// a temporary repository is removed on shutdown, taking the catalog with it
		if archive.CatalogPath == "" && config.Recording.Repository == "" {
			return &errors.ConfigError{Option: "archive.catalog_path", Reason: "required when recording.repository is not set"}
		}
	default:
		return &errors.ConfigError{Option: "archive.catalog_format", Reason: fmt.Sprintf("unsupported format %q", archive.CatalogFormat)}
	}

	if config.Notify.Kafka.Enabled {
		switch config.Notify.Kafka.SecurityProtocol {
		case "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
		default:
			return &errors.ConfigError{Option: "notify.kafka.security_protocol", Reason: fmt.Sprintf("unsupported protocol %q", config.Notify.Kafka.SecurityProtocol)}
		}
	}

	// Port validation
	if health := config.Observability.Health; health.Enabled && (health.Port < 1 || health.Port > 65535) {
		return &errors.ConfigError{Option: "observability.health.port", Reason: fmt.Sprintf("invalid port %d", health.Port)}
	}

	return nil
}
