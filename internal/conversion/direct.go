package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
)

// ErrNoConverter is returned by the synchronous paths when no router was configured.
var ErrNoConverter = errors.New("no converter configured")

// ConvertRequest describes a synchronous conversion of a file already on disk. The
// output is written under an "output" dir next to InputPath.
type ConvertRequest struct {
	InputPath     string
	SourceName    string
	OutputFormat  string
	DocumentType  string
	OutputProfile string
	Bitrate       string
	Debug         bool
}

// Converted is a finished synchronous conversion.
type Converted struct {
	ConversionID  string
	Output        string
	Filename      string
	DocumentType  string
	OutputProfile string
	Result        converter.Result
}

// ConversionError is a converter failure on the synchronous path. ConversionID is set
// for documents, whose attempts are kept in the debug history.
type ConversionError struct {
	ConversionID string
	Err          error
}

func (e *ConversionError) Error() string {
	var failure *converter.Failure
	if errors.As(e.Err, &failure) {
		return failure.Message
	}
	return e.Err.Error()
}

func (e *ConversionError) Unwrap() error { return e.Err }

// ConvertDocument validates against the compatibility table and converts immediately.
// Validation failures are returned as *formats.ValidationError.
func (s *Service) ConvertDocument(ctx context.Context, req ConvertRequest) (Converted, error) {
	conv, err := s.family(formats.FamilyDocument)
	if err != nil {
		return Converted{}, err
	}
	format := formats.NormalizeExt(req.OutputFormat)
	if format == "" {
		return Converted{}, fmt.Errorf("%w: output format is required", ErrInvalidRequest)
	}
	docType := strings.ToLower(strings.TrimSpace(req.DocumentType))
	if docType == "" {
		docType = formats.TypeAuto
	}
	profile := strings.ToLower(strings.TrimSpace(req.OutputProfile))
	if profile == "" {
		profile = formats.ProfileModern
	}
	decision, err := s.table.Validate(formats.Request{
		InputExt:     filepath.Ext(req.InputPath),
		DeclaredType: docType,
		Profile:      profile,
		OutputExt:    format,
	})
	if err != nil {
		return Converted{}, err
	}

	id := s.newID()
	name := sourceName(req)
	started := time.Now()
	res, convErr := conv.Convert(ctx, converter.Request{
		Input:        req.InputPath,
		Output:       outputPath(req.InputPath, name, format),
		OutputFormat: format,
		Debug:        req.Debug,
	})
	elapsed := time.Since(started)
	telemetry.JobDuration.WithLabelValues(formats.FamilyDocument.String()).Observe(elapsed.Seconds())
	s.record(ctx, store.HistoryEntry{
		ConversionID:   id,
		Timestamp:      time.Now().UTC(),
		SourceFile:     name,
		SourceFormat:   strings.ToLower(filepath.Ext(req.InputPath)),
		DocumentType:   decision.Effective,
		OutputProfile:  profile,
		OutputFormat:   format,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
		AllowedOutputs: decision.Allowed,
	}, res, convErr)
	if convErr != nil {
		s.logger.WarnContext(ctx, "document conversion failed", "conversion_id", id, "source", name, "error", convErr)
		return Converted{}, &ConversionError{ConversionID: id, Err: convErr}
	}
	out, err := verifyOutput(res)
	if err != nil {
		return Converted{}, &ConversionError{ConversionID: id, Err: err}
	}
	s.logger.InfoContext(ctx, "document converted", "conversion_id", id, "source", name, "output", filepath.Base(out))
	return Converted{
		ConversionID:  id,
		Output:        out,
		Filename:      filepath.Base(out),
		DocumentType:  decision.Effective,
		OutputProfile: profile,
		Result:        res,
	}, nil
}

// ConvertAudio transcodes an audio file immediately. An empty Bitrate keeps the
// encoder default.
func (s *Service) ConvertAudio(ctx context.Context, req ConvertRequest) (Converted, error) {
	conv, err := s.family(formats.FamilyAudio)
	if err != nil {
		return Converted{}, err
	}
	format := formats.NormalizeExt(req.OutputFormat)
	if format == "" {
		return Converted{}, fmt.Errorf("%w: output format is required", ErrInvalidRequest)
	}
	from := strings.ToLower(filepath.Ext(req.InputPath))
	if !formats.AudioInputs[from] {
		return Converted{}, fmt.Errorf("%w: unsupported audio input %s", ErrInvalidRequest, from)
	}
	if !formats.AudioOutputs[format] {
		return Converted{}, fmt.Errorf("%w: unsupported audio output %s", ErrInvalidRequest, format)
	}

	name := sourceName(req)
	started := time.Now()
	res, err := conv.Convert(ctx, converter.Request{
		Input:        req.InputPath,
		Output:       outputPath(req.InputPath, name, format),
		OutputFormat: format,
		Bitrate:      req.Bitrate,
		Debug:        req.Debug,
	})
	telemetry.JobDuration.WithLabelValues(formats.FamilyAudio.String()).Observe(time.Since(started).Seconds())
	if err != nil {
		s.logger.WarnContext(ctx, "audio conversion failed", "source", name, "error", err)
		return Converted{}, &ConversionError{Err: err}
	}
	out, err := verifyOutput(res)
	if err != nil {
		return Converted{}, &ConversionError{Err: err}
	}
	return Converted{Output: out, Filename: filepath.Base(out), Result: res}, nil
}

// FormatList returns the catalog for "document", "audio" or "libreoffice".
func (s *Service) FormatList(kind string) (converter.FormatList, bool) {
	switch kind {
	case "document":
		return converter.DocumentFormats(s.table), true
	case "audio":
		return converter.AudioFormats(), true
	case "libreoffice":
		return converter.LibreOfficeFormats(), true
	}
	return converter.FormatList{}, false
}

func (s *Service) family(f formats.Family) (converter.Converter, error) {
	if s.router == nil {
		return nil, ErrNoConverter
	}
	return s.router.For(f)
}

func (s *Service) record(ctx context.Context, entry store.HistoryEntry, res converter.Result, convErr error) {
	entry.Success = convErr == nil
	entry.Message = res.Message
	entry.Converter = res.Debug
	if convErr != nil {
		entry.Error = convErr.Error()
		var failure *converter.Failure
		if errors.As(convErr, &failure) {
			entry.Message = failure.Message
			entry.Error = failure.Detail
			entry.Converter = failure.Debug
		}
	}
	s.history.Add(entry)
	if s.sink != nil {
		if err := s.sink.Record(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "persist conversion history failed", "conversion_id", entry.ConversionID, "error", err)
		}
	}
}

func sourceName(req ConvertRequest) string {
	if req.SourceName != "" {
		return SafeName(req.SourceName)
	}
	return SafeName(filepath.Base(req.InputPath))
}

func outputPath(input, name, format string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(filepath.Dir(input), "output", stem+format)
}

// verifyOutput trusts a converter's success only once the file exists.
func verifyOutput(res converter.Result) (string, error) {
	info, err := os.Stat(res.Output)
	if err != nil || info.IsDir() {
		return "", &converter.Failure{Message: "Converted file is missing", Detail: res.Output}
	}
	return res.Output, nil
}
