package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conversion-pipeline/internal/models"
)

var (
	// ErrNotFound is returned for unknown or already reaped job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a patch targets a completed or failed job.
	ErrTerminal = errors.New("job already in a terminal state")
	// ErrDuplicate is returned when a job id is registered twice.
	ErrDuplicate = errors.New("job already exists")
)

// Registry keeps conversion jobs in memory. Every operation holds the lock only for
// its own duration so pollers never wait on a running conversion.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new job. Missing status, stage and timestamps are filled in.
func (r *Registry) Create(job models.Job) (models.Job, error) {
	if job.ID == "" {
		return models.Job{}, errors.New("job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	now := r.now()
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.Stage == "" {
		job.Stage = models.StageQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	stored := job
	r.jobs[job.ID] = &stored
	return stored, nil
}

// Get returns a copy of the job record.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

// Update applies a patch and returns the resulting record.
//
// Progress never moves backwards, only terminal states may report 100, and a terminal
// record carries exactly one of OutputFile or Error. Patches against terminal jobs are
// rejected with ErrTerminal.
func (r *Registry) Update(id string, patch models.JobPatch) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return *job, ErrTerminal
	}
	if patch.Status == models.StatusCompleted && patch.OutputFile == "" && job.OutputFile == "" {
		return *job, errors.New("completed job requires an output file")
	}

	if patch.Status != "" {
		job.Status = patch.Status
	}
	if patch.Stage != "" {
		job.Stage = patch.Stage
	}
	if patch.Message != "" {
		job.Message = patch.Message
	}
	if patch.ConversionID != "" {
		job.ConversionID = patch.ConversionID
	}
	if patch.PublishedURL != "" {
		job.PublishedURL = patch.PublishedURL
	}
	if patch.OutputFile != "" {
		job.OutputFile = patch.OutputFile
	}
	if patch.OutputFilename != "" {
		job.OutputFilename = patch.OutputFilename
	}
	if patch.Error != "" {
		job.Error = patch.Error
	}
	if patch.Progress > job.Progress {
		job.Progress = patch.Progress
	}

	switch job.Status {
	case models.StatusCompleted:
		job.Progress = models.ProgressDone
		job.Error = ""
	case models.StatusFailed:
		job.Progress = models.ProgressDone
		job.OutputFile = ""
		job.OutputFilename = ""
		if job.Error == "" {
			job.Error = job.Message
		}
		if job.Error == "" {
			job.Error = "conversion failed"
		}
	default:
		if job.Progress >= models.ProgressDone {
			job.Progress = models.ProgressDone - 1
		}
	}

	now := r.now()
	if now.After(job.UpdatedAt) {
		job.UpdatedAt = now
	}
	return *job, nil
}

// Delete removes a job and returns the removed record.
func (r *Registry) Delete(id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	delete(r.jobs, id)
	return *job, nil
}

// List returns every job ordered by creation time.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	out := make([]models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts tallies jobs per status plus a total.
func (r *Registry) Counts() map[string]int {
	counts := map[string]int{
		string(models.StatusQueued):    0,
		string(models.StatusRunning):   0,
		string(models.StatusCompleted): 0,
		string(models.StatusFailed):    0,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		counts[string(job.Status)]++
	}
	counts["total"] = len(r.jobs)
	return counts
}
