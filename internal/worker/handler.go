package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/models"
	"conversion-pipeline/internal/storage"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
)

// ConversionHandler runs one queued conversion job to a terminal state.
type ConversionHandler struct {
	registry  *store.Registry
	table     *formats.Table
	converter converter.Converter
	history   *store.History
	sink      store.HistorySink
	uploader  storage.Uploader
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a ConversionHandler.
type Option func(*ConversionHandler)

// WithHistory keeps converter attempts in an in-memory debug log.
func WithHistory(h *store.History) Option { return func(c *ConversionHandler) { c.history = h } }

// WithHistorySink also persists converter attempts, e.g. to Postgres.
func WithHistorySink(s store.HistorySink) Option { return func(c *ConversionHandler) { c.sink = s } }

// WithUploader mirrors completed outputs.
func WithUploader(u storage.Uploader) Option { return func(c *ConversionHandler) { c.uploader = u } }

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option { return func(c *ConversionHandler) { c.logger = l } }

// NewConversionHandler builds a handler; a nil table means the default document table.
func NewConversionHandler(reg *store.Registry, table *formats.Table, conv converter.Converter, opts ...Option) *ConversionHandler {
	h := &ConversionHandler{
		registry:  reg,
		table:     table,
		converter: conv,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.table == nil {
		h.table = formats.DefaultTable()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Handle validates, converts and finalizes jobID. Every outcome, including a panic, is
// written to the registry; nothing escapes to the caller.
func (h *ConversionHandler) Handle(ctx context.Context, jobID string) {
	log := h.logger.With("job_id", jobID)
	job, err := h.registry.Get(jobID)
	if err != nil {
		log.Warn("job vanished before it ran", "error", err)
		return
	}
	if job.Status.Terminal() {
		log.Warn("job already finished", "status", job.Status)
		return
	}

	stage := models.StageValidating
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", "stage", stage, "panic", fmt.Sprint(r))
			h.fail(log, jobID, stage, models.JobPatch{Message: fmt.Sprintf("Conversion failed: %v", r), Error: fmt.Sprint(r)})
		}
	}()

	h.update(log, jobID, models.JobPatch{
		Status:   models.StatusRunning,
		Stage:    models.StageValidating,
		Progress: models.ProgressValidating,
		Message:  "Validating input file...",
	})
	decision, err := h.table.Validate(formats.Request{
		InputExt:     filepath.Ext(job.InputPath),
		DeclaredType: job.DocumentType,
		Profile:      job.OutputProfile,
		OutputExt:    job.OutputFormat,
	})
	if err != nil {
		log.Info("job rejected by validation", "error", err)
		h.fail(log, jobID, stage, models.JobPatch{Message: err.Error(), Error: err.Error()})
		return
	}

	stage = models.StageConverting
	h.update(log, jobID, models.JobPatch{
		Stage:    models.StageConverting,
		Progress: models.ProgressConverting,
		Message:  "Converting document...",
	})

	conversionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	started := h.now()
	res, convErr := h.converter.Convert(ctx, converter.Request{
		Input:        job.InputPath,
		Output:       job.OutputPath,
		OutputFormat: job.OutputFormat,
		Debug:        job.Debug,
	})
	elapsed := h.now().Sub(started)
	telemetry.JobDuration.WithLabelValues(formats.FamilyDocument.String()).Observe(elapsed.Seconds())
	h.record(ctx, log, job, conversionID, decision, elapsed, res, convErr)

	if convErr != nil {
		msg, detail := "Document conversion failed", convErr.Error()
		var failure *converter.Failure
		if errors.As(convErr, &failure) {
			msg, detail = failure.Message, failure.Detail
		}
		if detail == "" {
			detail = msg
		}
		log.Warn("converter reported failure", "error", detail)
		h.fail(log, jobID, stage, models.JobPatch{Message: msg, Error: detail, ConversionID: conversionID})
		return
	}

	stage = models.StageFinalizing
	h.update(log, jobID, models.JobPatch{
		Stage:    models.StageFinalizing,
		Progress: models.ProgressFinalizing,
		Message:  "Preparing download...",
	})
	// A converter claiming success is not trusted until the file is there.
	if info, err := os.Stat(job.OutputPath); err != nil || info.IsDir() {
		log.Warn("converter reported success but output is missing", "output", job.OutputPath)
		h.fail(log, jobID, stage, models.JobPatch{Message: "Converted file is missing", ConversionID: conversionID})
		return
	}

	filename := filepath.Base(job.OutputPath)
	var published string
	if h.uploader != nil {
		url, err := h.uploader.Upload(ctx, job.ID+"/"+filename, job.OutputPath)
		if err != nil {
			log.Warn("result mirror upload failed", "error", err)
		} else {
			published = url
		}
	}

	if _, err := h.registry.Update(jobID, models.JobPatch{
		Status:         models.StatusCompleted,
		Stage:          models.StageCompleted,
		Progress:       models.ProgressDone,
		Message:        "Conversion complete",
		OutputFile:     job.OutputPath,
		OutputFilename: filename,
		ConversionID:   conversionID,
		PublishedURL:   published,
	}); err != nil {
		log.Error("could not complete job", "error", err)
		return
	}
	telemetry.JobsCompleted.Inc()
	log.Info("job completed", "output", filename, "duration_ms", elapsed.Milliseconds())
}

func (h *ConversionHandler) update(log *slog.Logger, jobID string, patch models.JobPatch) {
	if _, err := h.registry.Update(jobID, patch); err != nil {
		log.Warn("job update rejected", "stage", patch.Stage, "error", err)
	}
}

func (h *ConversionHandler) fail(log *slog.Logger, jobID, stage string, patch models.JobPatch) {
	patch.Status = models.StatusFailed
	patch.Stage = models.StageFailed
	patch.Progress = models.ProgressDone
	if _, err := h.registry.Update(jobID, patch); err != nil {
		log.Warn("could not mark job failed", "error", err)
		return
	}
	telemetry.JobsFailed.WithLabelValues(stage).Inc()
}

func (h *ConversionHandler) record(ctx context.Context, log *slog.Logger, job models.Job, conversionID string,
	decision formats.Decision, elapsed time.Duration, res converter.Result, convErr error) {
	if h.history == nil && h.sink == nil {
		return
	}
	entry := store.HistoryEntry{
		ConversionID:   conversionID,
		JobID:          job.ID,
		Timestamp:      h.now().UTC(),
		SourceFile:     job.SourceName,
		SourceFormat:   strings.ToLower(filepath.Ext(job.InputPath)),
		DocumentType:   decision.Effective,
		OutputProfile:  job.OutputProfile,
		OutputFormat:   job.OutputFormat,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
		Success:        convErr == nil,
		Message:        res.Message,
		AllowedOutputs: decision.Allowed,
		Converter:      res.Debug,
	}
	if convErr != nil {
		entry.Error = convErr.Error()
		var failure *converter.Failure
		if errors.As(convErr, &failure) {
			entry.Message = failure.Message
			entry.Error = failure.Detail
			entry.Converter = failure.Debug
		}
	}
	if h.history != nil {
		h.history.Add(entry)
	}
	if h.sink != nil {
		if err := h.sink.Record(ctx, entry); err != nil {
			log.Warn("persist conversion history failed", "conversion_id", conversionID, "error", err)
		}
	}
}
