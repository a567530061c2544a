package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conversion-pipeline/internal/formats"
)

// ErrConversionFailed marks a converter that reported failure or produced nothing.
var ErrConversionFailed = errors.New("conversion failed")

// Request describes one conversion of Input into Output.
type Request struct {
	Input        string
	Output       string
	OutputFormat string
	Bitrate      string // mp3 encoder bitrate, e.g. "128k"
	Debug        bool
}

// Result is a successful conversion. Callers still verify Output exists.
type Result struct {
	Output     string         `json:"output"`
	FormatFrom string         `json:"formatFrom"`
	FormatTo   string         `json:"formatTo"`
	Message    string         `json:"message"`
	Debug      map[string]any `json:"debug,omitempty"`
}

// Failure is a converter-reported failure with a user message and raw detail.
type Failure struct {
	Message string
	Detail  string
	Debug   map[string]any
}

func (f *Failure) Error() string {
	if f.Detail == "" || strings.Contains(f.Message, f.Detail) {
		return f.Message
	}
	return f.Message + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return ErrConversionFailed }

// Converter performs a conversion for one family.
type Converter interface {
	Convert(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Converter.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Convert(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func failf(detail string, format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...), Detail: detail}
}

// prepare normalizes the requested format and fills in a default output path.
func prepare(req Request) (Request, error) {
	if _, err := os.Stat(req.Input); err != nil {
		return req, failf(err.Error(), "Input file not found: %s", req.Input)
	}
	req.OutputFormat = formats.NormalizeExt(req.OutputFormat)
	if req.OutputFormat == "" {
		req.OutputFormat = strings.ToLower(filepath.Ext(req.Output))
	}
	if req.Output == "" {
		stem := strings.TrimSuffix(filepath.Base(req.Input), filepath.Ext(req.Input))
		req.Output = filepath.Join(filepath.Dir(req.Input), stem+req.OutputFormat)
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return req, failf(err.Error(), "Cannot create output directory")
	}
	return req, nil
}
