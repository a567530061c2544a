package store

import (
	"context"
	"sync"
	"time"
)

// HistoryEntry records one attempt to run a document converter.
type HistoryEntry struct {
	ConversionID   string         `json:"conversionId"`
	JobID          string         `json:"jobId"`
	Timestamp      time.Time      `json:"timestamp"`
	SourceFile     string         `json:"sourceFile"`
	SourceFormat   string         `json:"sourceFormat"`
	DocumentType   string         `json:"documentType"`
	OutputProfile  string         `json:"outputProfile"`
	OutputFormat   string         `json:"outputFormat"`
	DurationMs     float64        `json:"durationMs"`
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Error          string         `json:"error,omitempty"`
	AllowedOutputs []string       `json:"allowedOutputs"`
	Converter      map[string]any `json:"converter,omitempty"`
}

// HistorySink persists history entries outside the process.
type HistorySink interface {
	Record(ctx context.Context, entry HistoryEntry) error
}

// History is a bounded in-memory log of recent conversions.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []HistoryEntry
}

// NewHistory keeps at most limit entries (100 when limit <= 0).
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 100
	}
	return &History{limit: limit}
}

// Add appends an entry, dropping the oldest ones past the limit.
func (h *History) Add(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]HistoryEntry(nil), h.entries[over:]...)
	}
}

// Get looks an entry up by conversion id.
func (h *History) Get(conversionID string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].ConversionID == conversionID {
			return h.entries[i], true
		}
	}
	return HistoryEntry{}, false
}

// Recent returns up to n entries, newest first.
func (h *History) Recent(n int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]HistoryEntry, 0, n)
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}
