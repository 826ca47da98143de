package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jittakal/flightrec/internal/config/dto"
	"github.com/jittakal/flightrec/internal/errors"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	if loader == nil {
		t.Fatal("expected non-nil loader")
	}
	if loader.v == nil {
		t.Fatal("expected non-nil viper instance")
	}
	if loader.pageSize <= 0 {
		t.Errorf("pageSize = %d", loader.pageSize)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "flightrec.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	return configFile
}

func TestLoader_LoadWithValidConfig(t *testing.T) {
	configFile := writeConfig(t, `
application:
  name: test-recorder

recording:
  memorysize: 1m
  numglobalbuffers: 4
  threadbuffersize: 8k
  maxchunksize: 4m
  stackdepth: 32
  repository: /tmp/flightrec-test
  preserve-repository: true
  flush_interval: 250ms
  max_age: 10m
  sampling:
    interval: 10ms

archive:
  backend: file
  compression: gzip
  catalog_format: parquet
  file:
    base_path: /tmp/flightrec-archive
`)

	loader := NewLoader()
	loader.pageSize = 4096
	config, err := loader.Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rec := config.Recording
	if config.Application.Name != "test-recorder" {
		t.Errorf("Application.Name = %s, want test-recorder", config.Application.Name)
	}
	if rec.MemorySize != 1<<20 || rec.NumGlobalBuffers != 4 || rec.GlobalBufferSize != 256<<10 {
		t.Errorf("memory = %v x %d = %v, want 256k x 4 = 1m", rec.GlobalBufferSize, rec.NumGlobalBuffers, rec.MemorySize)
	}
	if rec.MaxChunkSize != 4<<20 {
		t.Errorf("MaxChunkSize = %v, want 4m", rec.MaxChunkSize)
	}
	if rec.FlushInterval != 250*time.Millisecond || rec.MaxAge != 10*time.Minute {
		t.Errorf("FlushInterval = %v, MaxAge = %v", rec.FlushInterval, rec.MaxAge)
	}
	if !rec.PreserveRepo || rec.Repository != "/tmp/flightrec-test" {
		t.Errorf("repository = %q preserve = %v", rec.Repository, rec.PreserveRepo)
	}
	if rec.Sampling.Interval != 10*time.Millisecond || !rec.Sampling.Enabled {
		t.Errorf("Sampling = %+v", rec.Sampling)
	}
	if config.Archive.Backend != "file" || config.Archive.Compression != "gzip" || config.Archive.CatalogFormat != "parquet" {
		t.Errorf("Archive = %+v", config.Archive)
	}
}

func TestLoader_Defaults(t *testing.T) {
	loader := NewLoader()
	loader.pageSize = 4096
	config, err := loader.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rec := config.Recording
	if rec.GlobalBufferSize != DefaultGlobalBufferSize || rec.NumGlobalBuffers != DefaultNumGlobalBuffers {
		t.Errorf("global pool = %v x %d", rec.GlobalBufferSize, rec.NumGlobalBuffers)
	}
	if rec.MemorySize != DefaultMemorySize || rec.ThreadBufferSize != DefaultThreadBufferSize {
		t.Errorf("memory = %v thread = %v", rec.MemorySize, rec.ThreadBufferSize)
	}
	if rec.MaxChunkSize != 12<<20 || rec.StackDepth != 64 || rec.OldObjectQueue != 256 {
		t.Errorf("recording = %+v", rec)
	}
	if rec.FlushInterval != time.Second || rec.FullRatio != 0.5 {
		t.Errorf("FlushInterval = %v FullRatio = %v", rec.FlushInterval, rec.FullRatio)
	}
	if config.Archive.Backend != "none" || config.Notify.Kafka.Enabled {
		t.Errorf("archive = %q notify = %v", config.Archive.Backend, config.Notify.Kafka.Enabled)
	}
	if config.Shutdown.GracePeriod != 30*time.Second {
		t.Errorf("GracePeriod = %v", config.Shutdown.GracePeriod)
	}
}

func TestLoader_HyphenatedOptions(t *testing.T) {
	tests := []struct {
		name         string
		yaml         string
		wantQueue    int
		wantPreserve bool
	}{
		{
			name:         "hyphenated",
			yaml:         "recording:\n  old-object-queue-size: 1024\n  preserve-repository: true\n",
			wantQueue:    1024,
			wantPreserve: true,
		},
		{
			name:         "underscore spelling",
			yaml:         "recording:\n  old_object_queue_size: 512\n  preserve_repository: true\n",
			wantQueue:    512,
			wantPreserve: true,
		},
		{
			name:         "hyphenated wins over underscore",
			yaml:         "recording:\n  old-object-queue-size: 64\n  old_object_queue_size: 512\n",
			wantQueue:    64,
			wantPreserve: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader()
			loader.pageSize = 4096
			config, err := loader.Load(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if config.Recording.OldObjectQueue != tt.wantQueue {
				t.Errorf("OldObjectQueue = %d, want %d", config.Recording.OldObjectQueue, tt.wantQueue)
			}
			if config.Recording.PreserveRepo != tt.wantPreserve {
				t.Errorf("PreserveRepo = %v, want %v", config.Recording.PreserveRepo, tt.wantPreserve)
			}
		})
	}
}

func TestLoader_HyphenatedOptionFromEnv(t *testing.T) {
	t.Setenv("APP_RECORDING_PRESERVE_REPOSITORY", "true")
	loader := NewLoader()
	loader.pageSize = 4096
	config, err := loader.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !config.Recording.PreserveRepo {
		t.Error("APP_RECORDING_PRESERVE_REPOSITORY not applied")
	}
}

func TestLoader_LoadWithMissingFile(t *testing.T) {
	loader := NewLoader()
	config, err := loader.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v, want defaults", err)
	}
	if config.Application.Name != "flightrec" {
		t.Errorf("Application.Name = %s", config.Application.Name)
	}
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_RECORDING_GLOBALBUFFERSIZE", "64k")
	t.Setenv("APP_RECORDING_NUMGLOBALBUFFERS", "8")
	t.Setenv("ARCHIVE_BUCKET", "chunks-bucket")

	configFile := writeConfig(t, `
archive:
  backend: s3
  s3:
    bucket: ${ARCHIVE_BUCKET}
    region: eu-west-1
`)

	loader := NewLoader()
	loader.pageSize = 4096
	config, err := loader.Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Recording.GlobalBufferSize != 64<<10 || config.Recording.MemorySize != 512<<10 {
		t.Errorf("recording = %v x %d", config.Recording.GlobalBufferSize, config.Recording.NumGlobalBuffers)
	}
	if config.Archive.S3.Bucket != "chunks-bucket" {
		t.Errorf("S3.Bucket = %q, want expanded value", config.Archive.S3.Bucket)
	}
}

func TestLoader_InconsistentMemory(t *testing.T) {
	configFile := writeConfig(t, `
recording:
  memorysize: 1m
  globalbuffersize: 256k
  numglobalbuffers: 3
`)

	_, err := NewLoader().Load(configFile)
	var configErr *errors.ConfigError
	if !stderrors.As(err, &configErr) {
		t.Fatalf("Load() error = %v, want ConfigError", err)
	}
	if configErr.Option != "memorysize" {
		t.Errorf("Option = %q, want memorysize", configErr.Option)
	}
}

func validConfig() *dto.ApplicationConfig {
	return &dto.ApplicationConfig{
		Application: dto.ApplicationInfo{Name: "flightrec"},
		Recording: dto.RecordingConfig{
			StackDepth:    64,
			FlushInterval: time.Second,
			FullRatio:     0.5,
		},
		Archive: dto.ArchiveConfig{Backend: "none"},
		Observability: dto.ObservabilityConfig{
			Health: dto.HealthConfig{Enabled: true, Port: 8080},
		},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(c *dto.ApplicationConfig)
		wantOption string
	}{
		{"valid default", func(c *dto.ApplicationConfig) {}, ""},
		{
			"valid file backend",
			func(c *dto.ApplicationConfig) {
				c.Archive = dto.ArchiveConfig{Backend: "file", File: dto.FileConfig{BasePath: "/tmp/a"}}
			},
			"",
		},
		{
			"file backend without base path",
			func(c *dto.ApplicationConfig) { c.Archive.Backend = "file" },
			"archive.file.base_path",
		},
		{
			"s3 backend missing bucket",
			func(c *dto.ApplicationConfig) {
				c.Archive = dto.ArchiveConfig{Backend: "s3", S3: dto.S3Config{Region: "us-east-1"}}
			},
			"archive.s3",
		},
		{
			"azure backend missing account name",
			func(c *dto.ApplicationConfig) {
				c.Archive = dto.ArchiveConfig{Backend: "azure", Azure: dto.AzureConfig{Container: "c"}}
			},
			"archive.azure",
		},
		{
			"gcs backend missing bucket",
			func(c *dto.ApplicationConfig) { c.Archive.Backend = "gcs" },
			"archive.gcs.bucket",
		},
		{
			"unsupported backend",
			func(c *dto.ApplicationConfig) { c.Archive.Backend = "ftp" },
			"archive.backend",
		},
		{
			"unsupported compression",
			func(c *dto.ApplicationConfig) { c.Archive.Compression = "lz4" },
			"archive.compression",
		},
		{
			"unsupported catalog format",
			func(c *dto.ApplicationConfig) { c.Archive.CatalogFormat = "csv" },
			"archive.catalog_format",
		},
		{
			"kafka enabled without brokers",
			func(c *dto.ApplicationConfig) {
				c.Notify.Kafka = dto.KafkaConfig{Enabled: true, Topic: "t", SecurityProtocol: "PLAINTEXT"}
			},
			"config",
		},
		{
			"kafka bad protocol",
			func(c *dto.ApplicationConfig) {
				c.Notify.Kafka = dto.KafkaConfig{Enabled: true, BootstrapServers: []string{"b:9092"}, Topic: "t", SecurityProtocol: "TLS"}
			},
			"notify.kafka.security_protocol",
		},
		{
			"invalid health port",
			func(c *dto.ApplicationConfig) { c.Observability.Health.Port = 70000 },
			"observability.health.port",
		},
		{
			"health disabled ignores port",
			func(c *dto.ApplicationConfig) { c.Observability.Health = dto.HealthConfig{Port: 0} },
			"",
		},
		{
			"bad stack depth",
			func(c *dto.ApplicationConfig) { c.Recording.StackDepth = 0 },
			"config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)

			err := NewLoader().Validate(config)
			if tt.wantOption == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			var configErr *errors.ConfigError
			if !stderrors.As(err, &configErr) {
				t.Fatalf("Validate() error = %v, want ConfigError", err)
			}
			if configErr.Option != tt.wantOption {
				t.Errorf("Option = %q, want %q", configErr.Option, tt.wantOption)
			}
		})
	}
}

func TestLoader_setDefaults(t *testing.T) {
	loader := NewLoader()
	loader.setDefaults()

	if loader.v.GetString("application.name") != "flightrec" {
		t.Error("default application.name not set correctly")
	}
	if loader.v.GetString("archive.backend") != "none" {
		t.Error("default archive.backend not set correctly")
	}
	if loader.v.GetString("archive.compression") != "zstd" {
		t.Error("default archive.compression not set correctly")
	}
}
