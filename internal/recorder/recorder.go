// Package recorder assembles the recording engine. A Recorder owns every
// component of one recording, from the memory pool to the archiver, and is
// the only object the command line and the HTTP server talk to.
package recorder

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittakal/flightrec/internal/chunk"
	"github.com/jittakal/flightrec/internal/config/dto"
	"github.com/jittakal/flightrec/internal/encoder"
	"github.com/jittakal/flightrec/internal/epoch"
	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/internal/kafka"
	"github.com/jittakal/flightrec/internal/memory"
	"github.com/jittakal/flightrec/internal/metadata"
	"github.com/jittakal/flightrec/internal/observability"
	"github.com/jittakal/flightrec/internal/persister"
	"github.com/jittakal/flightrec/internal/platform"
	"github.com/jittakal/flightrec/internal/quiesce"
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/sampler"
	"github.com/jittakal/flightrec/internal/stackwalk"
	"github.com/jittakal/flightrec/internal/storage"
	"github.com/jittakal/flightrec/internal/threadlocal"
	"github.com/jittakal/flightrec/internal/throttle"
	pkgencoder "github.com/jittakal/flightrec/pkg/encoder"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/host"
	"github.com/jittakal/flightrec/pkg/notify"
	pkgstorage "github.com/jittakal/flightrec/pkg/storage"
)

// MetricsCollector is the union of the metrics interfaces of every component
// the recorder builds.
type MetricsCollector interface {
	memory.MetricsCollector
	repository.MetricsCollector
	chunk.MetricsCollector
	persister.MetricsCollector
	throttle.MetricsCollector
	storage.MetricsCollector
	kafka.MetricsCollector
	SetThreadsAttached(n int)
}

var _ MetricsCollector = (*observability.Metrics)(nil)

// publishQueue bounds the completed chunks waiting to be archived.
const publishQueue = 64

// State is the lifecycle state of a recording.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Deps are optional collaborators. Zero values select the production
// implementation built from the configuration.
type Deps struct {
	Logger     *slog.Logger
	Metrics    MetricsCollector
	FileSystem host.FileSystem
	Clock      host.Clock
	// Archiver overrides the backend selected by the archive section.
	Archiver pkgstorage.Archiver
	// Notifier overrides the Kafka notifier selected by the notify section.
	Notifier notify.Notifier
	// Fatal replaces the default fatal handler, which logs and exits.
	Fatal persister.FatalHandler
}

// Status is a snapshot of a recording.
type Status struct {
	RecordingID  string    `json:"recording_id"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Repository   string    `json:"repository"`
	CurrentChunk string    `json:"current_chunk,omitempty"`
	ChunkSize    int64     `json:"chunk_size_bytes"`
	Chunks       int       `json:"completed_chunks"`
	Threads      int       `json:"threads"`
	BytesLost    int64     `json:"bytes_lost"`
	Samples      int64     `json:"samples"`
	Passes       int64     `json:"persister_passes"`
	Skipped      int64     `json:"skipped_writes"`
	MemoryInUse  int64     `json:"memory_in_use_bytes"`
}

// Recorder owns one recording.
type Recorder struct {
	id      string
	cfg     dto.RecordingConfig
	archive dto.ArchiveConfig
	logger  *slog.Logger
	metrics MetricsCollector

	alloc      *platform.HeapAllocator
	safepoint  *quiesce.Safepoint
	epoch      *epoch.Epoch
	symbolizer *stackwalk.Symbolizer
	repos      *repository.Repositories
	types      *metadata.Registry
	throttles  *throttle.Registry
	pool       *memory.Pool
	store      *threadlocal.Store
	sampler    *sampler.Sampler
	writer     *chunk.Writer
	persister  *persister.Persister
	repo       *storage.Repository
	archiver   pkgstorage.Archiver
	notifier   notify.Notifier

	queue   chan event.ChunkInfo
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	workers sync.WaitGroup

	mu        sync.Mutex
	state     State
	startedAt time.Time
	last      event.ChunkInfo
	catalog   []event.ChunkInfo
}

// New builds a recording from cfg. Memory for the global pool and the
// sampler is allocated here; nothing runs until Start.
func New(ctx context.Context, cfg *dto.ApplicationConfig, deps Deps) (*Recorder, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if deps.FileSystem == nil {
		deps.FileSystem = platform.OSFileSystem{}
	}
	if deps.Clock == nil {
		deps.Clock = platform.NewClock()
	}

	id := uuid.NewString()
	rc := cfg.Recording
	r := &Recorder{
		id:        id,
		cfg:       rc,
		archive:   cfg.Archive,
		logger:    deps.Logger.With("component", "recorder", "recording_id", id),
		metrics:   deps.Metrics,
		alloc:     platform.NewHeapAllocator(int64(rc.MemoryLimit)),
		safepoint: quiesce.New(),
		epoch:     epoch.New(),
		types:     metadata.NewRegistry(),
		throttles: throttle.NewRegistry(deps.Metrics),
		queue:     make(chan event.ChunkInfo, publishQueue),
		state:     StateCreated,
	}

	var err error
	if r.symbolizer, err = stackwalk.NewSymbolizer(stackwalk.DefaultCacheSize); err != nil {
		return nil, fmt.Errorf("failed to create symbolizer: %w", err)
	}
	r.repos = repository.New(r.epoch, r.symbolizer, deps.Metrics)

	r.pool, err = memory.NewPool(memory.Config{
		BufferSize: int(rc.GlobalBufferSize),
		Count:      rc.NumGlobalBuffers,
		FullRatio:  rc.FullRatio,
	}, r.alloc, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}

	r.store = threadlocal.NewStore(threadlocal.Config{
		BufferSize: int(rc.ThreadBufferSize),
		StackDepth: rc.StackDepth,
	}, threadlocal.Deps{
		Pool:         r.pool,
		Allocator:    r.alloc,
		Repositories: r.repos,
		Walker:       stackwalk.Walker{},
		Clock:        deps.Clock,
		Gate:         r.safepoint,
		Logger:       deps.Logger,
	})

	sources := []chunk.Source{r.store, r.pool}
	if rc.Sampling.Enabled {
		if rc.Sampling.Throttle > 0 {
			r.throttles.Configure(event.TypeExecutionSample, "ExecutionSample", rc.Sampling.Throttle, rc.Sampling.ThrottlePeriod)
		}
		r.sampler, err = sampler.New(sampler.Config{
			Interval:      rc.Sampling.Interval,
			BufferSize:    int(rc.Sampling.BufferSize),
			Buffers:       rc.Sampling.Buffers,
			MaxGoroutines: rc.Sampling.MaxGoroutines,
		}, sampler.Deps{
			Allocator:    r.alloc,
			Repositories: r.repos,
			Gate:         r.safepoint,
			Clock:        deps.Clock,
			Throttler:    r.throttles,
			Loss:         r.pool,
			Logger:       deps.Logger,
		})
		if err != nil {
			r.release()
			return nil, fmt.Errorf("failed to create sampler: %w", err)
		}
		sources = append(sources, r.sampler)
	}

	r.writer = chunk.NewWriter(chunk.Deps{
		FileSystem:   deps.FileSystem,
		Clock:        deps.Clock,
		Quiescer:     r.safepoint,
		Metadata:     r.types,
		Epoch:        r.epoch,
		Repositories: r.repos,
		Sources:      sources,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	})

	if r.repo, err = storage.NewRepository(rc.Repository, rc.PreserveRepo, deps.Logger); err != nil {
		r.release()
		return nil, err
	}

	pdeps := persister.Deps{
		Writer:   r.writer,
		Pool:     r.pool,
		Policy:   storage.NewPolicy(storage.PolicyConfig{MaxAge: rc.MaxAge}),
		NextPath: r.repo.NextPath,
		OnChunk:  r.completed,
		Fatal:    deps.Fatal,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
	}
	if r.sampler != nil {
		pdeps.Sampler = r.sampler
	}
	r.persister = persister.New(persister.Config{
		FlushInterval: rc.FlushInterval,
		MaxChunkSize:  int64(rc.MaxChunkSize),
	}, pdeps)
	r.pool.SetWaker(r.persister)
	if r.sampler != nil {
		r.sampler.SetWaker(r.persister)
	}

	if r.archiver = deps.Archiver; r.archiver == nil {
		if r.archiver, err = storage.NewArchiver(ctx, archiveConfig(cfg.Archive), deps.Logger, deps.Metrics); err != nil {
			r.release()
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
	}
	if r.notifier = deps.Notifier; r.notifier == nil && cfg.Notify.Kafka.Enabled {
		n, err := kafka.NewNotifier(notifierConfig(cfg.Notify.Kafka), deps.Logger, deps.Metrics)
		if err != nil {
			r.release()
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		r.notifier = n
	}

	r.logger.Info("Recording created",
		"memory", rc.MemorySize,
		"global_buffers", rc.NumGlobalBuffers,
		"global_buffer_size", rc.GlobalBufferSize,
		"thread_buffer_size", rc.ThreadBufferSize,
		"repository", r.repo.Dir(),
		"sampling", rc.Sampling.Enabled,
	)
	return r, nil
}

func archiveConfig(c dto.ArchiveConfig) storage.ArchiveConfig {
	return storage.ArchiveConfig{
		Backend:     c.Backend,
		Compression: c.Compression,
		BasePath:    c.BasePath,
		File:        storage.FileConfig{BasePath: c.File.BasePath},
		S3: storage.S3Config{
			Bucket:       c.S3.Bucket,
			Region:       c.S3.Region,
			Endpoint:     c.S3.Endpoint,
			UsePathStyle: c.S3.UsePathStyle,
			SSEEnabled:   c.S3.SSEEnabled,
			SSEKMSKeyID:  c.S3.SSEKMSKeyID,
		},
		GCS: storage.GCSConfig{
			Bucket:               c.GCS.Bucket,
			ProjectID:            c.GCS.ProjectID,
			CredentialsFile:      c.GCS.CredentialsFile,
			CredentialsJSON:      c.GCS.CredentialsJSON,
			Endpoint:             c.GCS.Endpoint,
			UseDefaultCredential: c.GCS.UseDefaultCredential,
		},
		Azure: storage.AzureConfig{
			AccountName:   c.Azure.AccountName,
			AccountKey:    c.Azure.AccountKey,
			ContainerName: c.Azure.Container,
			Endpoint:      c.Azure.Endpoint,
		},
	}
}

func notifierConfig(c dto.KafkaConfig) kafka.NotifierConfig {
	return kafka.NotifierConfig{
		BootstrapServers: c.BootstrapServers,
		Topic:            c.Topic,
		ClientID:         c.ClientID,
		MaxRetries:       c.MaxRetries,
		Security: kafka.SecurityConfig{
			Protocol:           c.SecurityProtocol,
			Mechanism:          c.SASLMechanism,
			Username:           c.SASLUsername,
			Password:           c.SASLPassword,
			AWSRegion:          c.AWSRegion,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
	}
}

// ID returns the recording id.
func (r *Recorder) ID() string { return r.id }

// Start opens the first chunk and starts the persister and the sampler.
// The recording runs until Stop; cancelling ctx stops the background
// goroutines without completing the open chunk.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return fmt.Errorf("recording %s cannot start from state %s", r.id, r.state)
	}

	path, err := r.repo.NextPath()
	if err != nil {
		return err
	}
	if err := r.writer.Open(path); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.persister.Start(ctx)
	if r.sampler != nil {
		r.sampler.Start(ctx)
	}

	r.loops.Add(1)
	go r.rotateLoop(ctx)
	r.workers.Add(1)
	go r.publishLoop()

	r.state = StateRunning
	r.startedAt = time.Now()
	r.logger.Info("Recording started", "chunk", path)
	return nil
}

// rotateLoop completes the open chunk whenever the persister asks for it.
func (r *Recorder) rotateLoop(ctx context.Context) {
	defer r.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.persister.Rotations():
			_, err := r.persister.Rotate(ctx)
			switch {
			case err == nil, errors.Is(err, errors.ErrPersisterStopped),
				errors.Is(err, errors.ErrWriterClosed), errors.Is(err, context.Canceled):
			default:
				r.logger.Error("Chunk rotation failed", "error", err)
			}
		}
	}
}

// completed runs on the persister goroutine for every completed chunk.
func (r *Recorder) completed(info event.ChunkInfo) {
	info.RecordingID = r.id
	info = r.repo.Add(info)

	r.mu.Lock()
	r.last = info
	r.mu.Unlock()

	r.queue <- info
}

// publishLoop archives and announces completed chunks in order.
func (r *Recorder) publishLoop() {
	defer r.workers.Done()
	ctx := context.Background()
	for info := range r.queue {
		r.publish(ctx, info)
	}
}

func (r *Recorder) publish(ctx context.Context, info event.ChunkInfo) {
	if r.archiver != nil {
		location, err := r.archiver.Archive(ctx, info)
		if err != nil {
			r.logger.Error("Failed to archive chunk", "path", info.Path, "error", err)
		} else {
			info.Location = location
		}
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, info); err != nil {
			r.logger.Warn("Failed to announce chunk", "sequence", info.Sequence, "error", err)
		}
	}

	r.mu.Lock()
	r.catalog = append(r.catalog, info)
	r.mu.Unlock()
}

func (r *Recorder) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning
}

// Flush writes a flushpoint to the open chunk.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.running() {
		return errors.ErrNotRecording
	}
	return r.persister.Flush(ctx)
}

// Rotate completes the open chunk, opens the next one and returns the
// completed chunk.
func (r *Recorder) Rotate(ctx context.Context) (event.ChunkInfo, error) {
	if !r.running() {
		return event.ChunkInfo{}, errors.ErrNotRecording
	}
	if _, err := r.persister.Rotate(ctx); err != nil {
		return event.ChunkInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, nil
}

// Dump writes every completed chunk into dest as one recording. While the
// recording runs the open chunk is rotated first so that dest holds all data
// recorded so far.
func (r *Recorder) Dump(ctx context.Context, dest string) (int64, error) {
	if r.running() {
		if _, err := r.Rotate(ctx); err != nil {
			return 0, err
		}
	}
	n, err := r.repo.Dump(dest)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Recording dumped", "dest", dest, "bytes", n)
	return n, nil
}

// AttachThread registers a producer. key identifies the producer across
// attach cycles so that a detached producer gets its buffer back.
func (r *Recorder) AttachThread(key, name, group string) (*threadlocal.Thread, error) {
	if !r.running() {
		return nil, errors.ErrNotRecording
	}
	t := r.store.Attach(key, event.ThreadInfo{Name: name, Group: group})
	r.metrics.SetThreadsAttached(r.store.Threads())
	return t, nil
}

// DetachThread detaches t and updates the thread gauge.
func (r *Recorder) DetachThread(t *threadlocal.Thread) {
	t.Detach()
	r.metrics.SetThreadsAttached(r.store.Threads())
}

// RegisterEvent adds an event type. Throttled types get a throttler with the
// given budget per period; a zero budget leaves them unthrottled until
// SetThrottle is called.
func (r *Recorder) RegisterEvent(d event.Descriptor, budget int64, period time.Duration) (event.TypeID, error) {
	id, err := r.types.Register(d)
	if err != nil {
		return 0, err
	}
	if d.Throttled && budget > 0 {
		r.throttles.Configure(id, d.Name, budget, period)
	}
	return id, nil
}

// SetThrottle installs or updates the throttler of an event type.
func (r *Recorder) SetThrottle(id event.TypeID, budget int64, period time.Duration) error {
	d, ok := r.types.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown event type %d", id)
	}
	r.throttles.Configure(id, d.Name, budget, period)
	return nil
}

// Throttler returns the throttler of an event type.
func (r *Recorder) Throttler(id event.TypeID) (*throttle.Throttler, bool) {
	return r.throttles.Get(id)
}

// Sample reports whether an event of the given type may be recorded now.
// Types without a throttler are always sampled.
func (r *Recorder) Sample(id event.TypeID) bool {
	return r.throttles.Sample(id)
}

// Chunks returns the completed chunks in order.
func (r *Recorder) Chunks() []event.ChunkInfo {
	return r.repo.Chunks()
}

// Status returns a snapshot of the recording.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	st := Status{
		RecordingID: r.id,
		State:       r.state,
		StartedAt:   r.startedAt,
		Repository:  r.repo.Dir(),
	}
	r.mu.Unlock()

	if r.writer.IsOpen() {
		st.CurrentChunk = r.writer.Path()
		st.ChunkSize = r.writer.Size()
	}
	st.Chunks = len(r.repo.Chunks())
	st.Threads = r.store.Threads()
	st.BytesLost = r.pool.Lost()
	if r.sampler != nil {
		st.Samples = r.sampler.Samples()
	}
	st.Passes = r.persister.Passes()
	st.Skipped = r.persister.Skipped()
	st.MemoryInUse = r.alloc.Used()
	return st
}

// Stop completes the last chunk and marks it final, waits for every chunk
// to be archived, writes the catalog and releases the recording's memory.
// Unless the repository is preserved its chunks are removed.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		if state == StateStopped {
			return nil
		}
		return errors.ErrNotRecording
	}
	r.state = StateStopping
	r.mu.Unlock()

	r.logger.Info("Stopping recording")
	if r.sampler != nil {
		r.sampler.Stop()
	}

	var errs []error
	if _, err := r.persister.Close(ctx, true); err != nil && !errors.Is(err, errors.ErrWriterClosed) {
		errs = append(errs, fmt.Errorf("failed to complete last chunk: %w", err))
	}
	r.cancel()
	r.loops.Wait()
	r.persister.Stop()

	close(r.queue)
	r.workers.Wait()

	if err := r.writeCatalog(); err != nil {
		errs = append(errs, err)
	}
	if r.archiver != nil {
		if err := r.archiver.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.notifier != nil {
		if err := r.notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	r.release()
	if err := r.repo.Close(); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	r.logger.Info("Recording stopped", "chunks", len(r.repo.Chunks()), "bytes_lost", r.pool.Lost())
	return stderrors.Join(errs...)
}

// release frees the buffers of every component built so far.
func (r *Recorder) release() {
	if r.store != nil {
		r.store.Close()
	}
	if r.sampler != nil {
		r.sampler.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// Catalog returns the chunks published so far, with their archive locations.
func (r *Recorder) Catalog() []event.ChunkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.ChunkInfo(nil), r.catalog...)
}

// CatalogPath returns where the catalog is written on stop, or "" when no
// catalog is configured.
func (r *Recorder) CatalogPath() string {
	enc, err := r.catalogEncoder()
	if err != nil || enc == nil {
		return ""
	}
	if r.archive.CatalogPath != "" {
		return r.archive.CatalogPath
	}
	return filepath.Join(r.repo.Dir(), r.id+enc.FileExtension())
}

func (r *Recorder) catalogEncoder() (pkgencoder.Encoder, error) {
	switch r.archive.CatalogFormat {
	case "", "none":
		return nil, nil
	}
	format := event.FileFormat(r.archive.CatalogFormat)
	return encoder.NewFactory(format, encoder.DefaultCompression(format)).CreateEncoder()
}

func (r *Recorder) writeCatalog() error {
	enc, err := r.catalogEncoder()
	if err != nil || enc == nil {
		return err
	}
	path := r.CatalogPath()
	stats, err := enc.Encode(path, r.Catalog())
	if err != nil {
		return &errors.StorageError{Operation: "write catalog", Path: path, Err: err}
	}
	r.logger.Info("Catalog written", "path", path, "chunks", stats.RecordCount, "size", stats.SizeBytes)
	return nil
}
