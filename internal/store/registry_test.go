package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"conversion-pipeline/internal/models"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	job, err := r.Create(models.Job{ID: "j1", Progress: models.ProgressQueued})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != models.StatusQueued || job.Stage != models.StageQueued {
		t.Fatalf("unexpected initial state %s/%s", job.Status, job.Stage)
	}
	if _, err := r.Create(models.Job{ID: "j1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	job, err = r.Update("j1", models.JobPatch{Status: models.StatusRunning, Stage: models.StageConverting, Progress: 60})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.Progress != 60 {
		t.Fatalf("expected progress 60, got %d", job.Progress)
	}

	job, _ = r.Update("j1", models.JobPatch{Progress: 15})
	if job.Progress != 60 {
		t.Fatalf("progress moved backwards to %d", job.Progress)
	}

	job, _ = r.Update("j1", models.JobPatch{Progress: 100})
	if job.Progress != 99 {
		t.Fatalf("non-terminal job reported %d", job.Progress)
	}

	job, err = r.Update("j1", models.JobPatch{Status: models.StatusCompleted, Stage: models.StageCompleted, OutputFile: "/tmp/out.pdf", OutputFilename: "out.pdf"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Progress != 100 || job.Error != "" {
		t.Fatalf("unexpected terminal record %+v", job)
	}

	if _, err := r.Update("j1", models.JobPatch{Status: models.StatusFailed, Error: "late"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	got, _ := r.Get("j1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("terminal status changed to %s", got.Status)
	}

	if _, err := r.Delete("j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get("j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryFailedCarriesErrorOnly(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create(models.Job{ID: "j2"})
	job, err := r.Update("j2", models.JobPatch{Status: models.StatusFailed, Stage: models.StageFailed, Message: "Converted file is missing"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Error != "Converted file is missing" || job.OutputFile != "" {
		t.Fatalf("unexpected failed record %+v", job)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", job.Progress)
	}
}

func TestRegistryCompletedRequiresOutput(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create(models.Job{ID: "j3"})
	if _, err := r.Update("j3", models.JobPatch{Status: models.StatusCompleted}); err == nil {
		t.Fatalf("expected error for completion without output")
	}
}

func TestRegistryUpdatedAtMonotonic(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	_, _ = r.Create(models.Job{ID: "j4"})

	r.now = func() time.Time { return base.Add(-time.Minute) }
	job, _ := r.Update("j4", models.JobPatch{Status: models.StatusRunning})
	if job.UpdatedAt.Before(base) {
		t.Fatalf("updated_at went backwards: %s", job.UpdatedAt)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create(models.Job{ID: "shared"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			_, _ = r.Update("shared", models.JobPatch{Status: models.StatusRunning, Progress: p * 10})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = r.Get("shared")
			_ = r.Counts()
		}()
	}
	wg.Wait()

	job, _ := r.Get("shared")
	if job.Progress != 70 {
		t.Fatalf("expected max progress 70, got %d", job.Progress)
	}
	if c := r.Counts(); c["running"] != 1 || c["total"] != 1 {
		t.Fatalf("unexpected counts %v", c)
	}
}
