package models

import (
	"time"
)

// Status enumerates the lifecycle states of a conversion job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage values are informational sub-phases shown to pollers.
const (
	StageQueued     = "queued"
	StageValidating = "validating"
	StageConverting = "converting"
	StageFinalizing = "finalizing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// Progress checkpoints driven by the conversion handler.
const (
	ProgressQueued     = 5
	ProgressValidating = 15
	ProgressConverting = 60
	ProgressFinalizing = 90
	ProgressDone       = 100
)

// Job is a conversion request tracked in memory until its result is downloaded.
type Job struct {
	ID            string `json:"jobId"`
	Status        Status `json:"status"`
	Stage         string `json:"stage"`
	Progress      int    `json:"progress"`
	Message       string `json:"message"`
	InputPath     string `json:"inputPath"`
	OutputPath    string `json:"outputPath"`
	TempDir       string `json:"-"`
	SourceName    string `json:"sourceName"`
	OutputFormat  string `json:"outputFormat"`
	DocumentType  string `json:"documentType"`
	OutputProfile string `json:"outputProfile"`
	Debug         bool   `json:"debug"`

	OutputFile     string `json:"outputFile,omitempty"`
	OutputFilename string `json:"outputFilename,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversionID   string `json:"conversionId,omitempty"`
	PublishedURL   string `json:"publishedUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPatch describes a single mutation of a job record. Empty fields are left untouched.
type JobPatch struct {
	Status         Status
	Stage          string
	Progress       int
	Message        string
	OutputFile     string
	OutputFilename string
	Error          string
	ConversionID   string
	PublishedURL   string
}

// JobView is what status pollers see.
type JobView struct {
	JobID          string  `json:"jobId"`
	Status         Status  `json:"status"`
	Progress       int     `json:"progress"`
	Stage          string  `json:"stage"`
	Message        string  `json:"message"`
	OutputFilename *string `json:"outputFilename"`
	ConversionID   *string `json:"conversionId"`
	Error          *string `json:"error"`
	QueuePosition  *int    `json:"queuePosition,omitempty"`
}

// View projects the job into its poller representation.
func (j Job) View() JobView {
	return JobView{
		JobID:          j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		Stage:          j.Stage,
		Message:        j.Message,
		OutputFilename: emptyToNil(j.OutputFilename),
		ConversionID:   emptyToNil(j.ConversionID),
		Error:          emptyToNil(j.Error),
	}
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
