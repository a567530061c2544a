package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/models"
	"conversion-pipeline/internal/queue"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
)

var (
	// ErrConflict is returned when a download is requested before the job completed.
	ErrConflict = errors.New("job is not ready for download")
	// ErrInvalidRequest is returned for start requests missing a file or format.
	ErrInvalidRequest = errors.New("invalid conversion request")
)

// HistoryLookup finds conversion history outside memory, e.g. in Postgres.
type HistoryLookup interface {
	Get(ctx context.Context, conversionID string) (store.HistoryEntry, error)
}

// Service is the entry point used by the HTTP layer and the CLI.
type Service struct {
	registry *store.Registry
	pool     *queue.Pool
	engine   *archive.Engine
	table    *formats.Table
	router   *converter.Router
	history  *store.History
	sink     store.HistorySink
	lookup   HistoryLookup
	workDir  string
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithTable replaces the default document compatibility table.
func WithTable(t *formats.Table) Option { return func(s *Service) { s.table = t } }

// WithHistory shares the in-memory history the handler writes to.
func WithHistory(h *store.History) Option { return func(s *Service) { s.history = h } }

// WithHistorySink also persists attempts made on the synchronous document path.
func WithHistorySink(sink store.HistorySink) Option { return func(s *Service) { s.sink = sink } }

// WithRouter enables the synchronous document and audio conversions.
func WithRouter(r *converter.Router) Option { return func(s *Service) { s.router = r } }

// WithHistoryLookup consults l for conversions no longer in memory.
func WithHistoryLookup(l HistoryLookup) Option { return func(s *Service) { s.lookup = l } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithWorkDir roots job temp dirs under dir instead of os.TempDir.
func WithWorkDir(dir string) Option { return func(s *Service) { s.workDir = dir } }

// NewService builds a service over a registry, a pool running the conversion handler and
// the archive engine.
func NewService(reg *store.Registry, pool *queue.Pool, engine *archive.Engine, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		pool:     pool,
		engine:   engine,
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = formats.DefaultTable()
	}
	if s.history == nil {
		s.history = store.NewHistory(0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// StartRequest describes a document conversion. Either InputPath or Upload is set;
// Filename names the upload.
type StartRequest struct {
	InputPath     string
	Upload        io.Reader
	Filename      string
	OutputFormat  string
	DocumentType  string
	OutputProfile string
	Debug         bool
}

// StartJob stores a queued job and hands it to the pool. It returns as soon as the job
// is enqueued.
func (s *Service) StartJob(ctx context.Context, req StartRequest) (models.JobView, error) {
	format := formats.NormalizeExt(req.OutputFormat)
	if format == "" {
		return models.JobView{}, fmt.Errorf("%w: output format is required", ErrInvalidRequest)
	}
	if req.Upload == nil && req.InputPath == "" {
		return models.JobView{}, fmt.Errorf("%w: no file provided", ErrInvalidRequest)
	}
	docType := strings.ToLower(strings.TrimSpace(req.DocumentType))
	if docType == "" {
		docType = formats.TypeAuto
	}
	profile := strings.ToLower(strings.TrimSpace(req.OutputProfile))
	if profile == "" {
		profile = formats.ProfileModern
	}

	id := s.newID()
	tempDir, err := os.MkdirTemp(s.workDir, "docconvert_job_"+id[:8]+"_")
	if err != nil {
		return models.JobView{}, fmt.Errorf("create job dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tempDir) }

	name := req.Filename
	if name == "" {
		name = filepath.Base(req.InputPath)
	}
	name = SafeName(name)

	inputPath := req.InputPath
	if req.Upload != nil {
		inputPath = filepath.Join(tempDir, name)
		if err := saveUpload(inputPath, req.Upload); err != nil {
			cleanup()
			return models.JobView{}, fmt.Errorf("save upload: %w", err)
		}
	} else if _, err := os.Stat(inputPath); err != nil {
		cleanup()
		return models.JobView{}, fmt.Errorf("%w: input not found: %v", ErrInvalidRequest, err)
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	job, err := s.registry.Create(models.Job{
		ID:            id,
		Status:        models.StatusQueued,
		Stage:         models.StageQueued,
		Progress:      models.ProgressQueued,
		Message:       "Queued for conversion",
		InputPath:     inputPath,
		OutputPath:    filepath.Join(tempDir, "output", stem+format),
		TempDir:       tempDir,
		SourceName:    name,
		OutputFormat:  format,
		DocumentType:  docType,
		OutputProfile: profile,
		Debug:         req.Debug,
	})
	if err != nil {
		cleanup()
		return models.JobView{}, fmt.Errorf("register job: %w", err)
	}

	position, err := s.pool.Submit(id)
	if err != nil {
		_, _ = s.registry.Delete(id)
		cleanup()
		return models.JobView{}, fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	s.logger.InfoContext(ctx, "conversion job queued", "job_id", id, "source", name, "output_format", format, "position", position)

	view := job.View()
	view.QueuePosition = &position
	return view, nil
}

func saveUpload(path string, r io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// JobStatus returns what pollers see, including the queue position while queued.
func (s *Service) JobStatus(id string) (models.JobView, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return models.JobView{}, err
	}
	view := job.View()
	if job.Status == models.StatusQueued {
		if pos, ok := s.pool.Position(id); ok {
			view.QueuePosition = &pos
		}
	}
	return view, nil
}

// Download is an open result file. Close releases the job exactly once.
type Download struct {
	*os.File
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string

	once    sync.Once
	release func()
}

// Close closes the file, then deletes the job record and its temp dir.
func (d *Download) Close() error {
	err := d.File.Close()
	d.once.Do(d.release)
	return err
}

// OpenDownload opens a completed job's output. The caller must Close the download after
// the transfer.
func (s *Service) OpenDownload(id string) (*Download, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, job.Status)
	}
	f, err := os.Open(job.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat output: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(job.OutputFilename))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Download{
		File:        f,
		Name:        job.OutputFilename,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: ct,
		release:     func() { s.release(job) },
	}, nil
}

func (s *Service) release(job models.Job) {
	if _, err := s.registry.Delete(job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("remove job record failed", "job_id", job.ID, "error", err)
	}
	if job.TempDir != "" {
		if err := os.RemoveAll(job.TempDir); err != nil {
			s.logger.Warn("remove job dir failed", "job_id", job.ID, "error", err)
		}
	}
	s.logger.Debug("job released", "job_id", job.ID)
}

// ParseChain splits a chain spec with the engine's configured separators.
func (s *Service) ParseChain(spec string) ([]string, error) {
	return s.engine.Parse(spec)
}

// ConvertArchiveChain runs the chain engine synchronously.
func (s *Service) ConvertArchiveChain(ctx context.Context, input, chainSpec, output string) (archive.Result, error) {
	res, err := s.engine.Convert(ctx, input, chainSpec, output)
	outcome := "success"
	switch {
	case errors.Is(err, archive.ErrChainStepFailed):
		outcome = "step_failed"
	case err != nil:
		outcome = "rejected"
	}
	telemetry.ArchiveChains.WithLabelValues(outcome).Inc()
	if err != nil {
		s.logger.WarnContext(ctx, "archive chain conversion failed", "input", filepath.Base(input), "chain", chainSpec, "error", err)
		return archive.Result{}, err
	}
	s.logger.InfoContext(ctx, "archive chain converted", "input", filepath.Base(input), "chain", strings.Join(res.Chain, " -> "), "final_size", res.FinalSize)
	return res, nil
}

// Stats reports job counts by status and pool load.
type Stats struct {
	Jobs  map[string]int `json:"jobs"`
	Queue queue.Snapshot `json:"queue"`
}

// Stats reads registry counts and pool load.
func (s *Service) Stats() Stats {
	return Stats{Jobs: s.registry.Counts(), Queue: s.pool.Snapshot()}
}

// TypeOptions describes one document type for clients building a form.
type TypeOptions struct {
	Type    string              `json:"type"`
	Inputs  []string            `json:"inputs"`
	Outputs map[string][]string `json:"outputs"`
}

// DocumentOptions lists every document type with its inputs and per-profile outputs.
type DocumentOptions struct {
	Types          []TypeOptions `json:"types"`
	Profiles       []string      `json:"profiles"`
	DefaultProfile string        `json:"defaultProfile"`
}

// DocumentOptions describes the compatibility table for form builders.
func (s *Service) DocumentOptions() DocumentOptions {
	opts := DocumentOptions{Profiles: s.table.Profiles(), DefaultProfile: formats.ProfileModern}
	for _, t := range s.table.Types() {
		to := TypeOptions{Type: t, Inputs: s.table.Inputs(t), Outputs: map[string][]string{}}
		for _, p := range opts.Profiles {
			to.Outputs[p] = s.table.Outputs(t, p)
		}
		opts.Types = append(opts.Types, to)
	}
	return opts
}

// Debug returns the history entry of a conversion attempt.
func (s *Service) Debug(ctx context.Context, conversionID string) (store.HistoryEntry, error) {
	if e, ok := s.history.Get(conversionID); ok {
		return e, nil
	}
	if s.lookup != nil {
		return s.lookup.Get(ctx, conversionID)
	}
	return store.HistoryEntry{}, fmt.Errorf("conversion %s: %w", conversionID, store.ErrNotFound)
}

// RecentHistory returns up to n recent attempts, newest first.
func (s *Service) RecentHistory(n int) []store.HistoryEntry {
	return s.history.Recent(n)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces an uploaded filename to a plain base name.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}
