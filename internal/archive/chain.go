package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"conversion-pipeline/internal/runner"
)

// ErrChainStepFailed marks a failure inside one step of a chain conversion.
var ErrChainStepFailed = errors.New("archive chain step failed")

// Step is one entry of a chain's audit trail.
type Step struct {
	Index  int    `json:"step"`
	From   string `json:"from"`
	To     string `json:"to"`
	Output string `json:"output"`
}

// Result describes a finished chain conversion.
type Result struct {
	Input        string   `json:"input"`
	Output       string   `json:"output"`
	FormatFrom   string   `json:"formatFrom"`
	FormatTo     string   `json:"formatTo"`
	Chain        []string `json:"chain"`
	Steps        []Step   `json:"steps"`
	OriginalSize int64    `json:"originalSize"`
	FinalSize    int64    `json:"finalSize"`
	Message      string   `json:"message"`
}

// StepError reports which 1-based step failed and the steps that succeeded before it.
type StepError struct {
	Step  int
	From  string
	To    string
	Chain []string
	Steps []Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("archive chain step %d/%d (%s -> %s) failed: %v", e.Step, len(e.Chain), e.From, e.To, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{ErrChainStepFailed, e.Err} }

// Engine runs chain conversions through temporary staging directories.
type Engine struct {
	runner      runner.Runner
	logger      *slog.Logger
	parser      *ChainParser
	tempDir     string
	sevenZipBin string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner sets the runner used for 7z.
func WithRunner(r runner.Runner) Option { return func(e *Engine) { e.runner = r } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTempDir roots staging directories under dir instead of os.TempDir.
func WithTempDir(dir string) Option { return func(e *Engine) { e.tempDir = dir } }

// WithSeparators replaces the chain separator tokens.
func WithSeparators(seps []string) Option {
	return func(e *Engine) { e.parser = NewChainParser(seps) }
}

// WithSevenZipBin pins the 7z executable tried before 7z and 7za.
func WithSevenZipBin(bin string) Option { return func(e *Engine) { e.sevenZipBin = bin } }

// NewEngine builds an engine with the default separators.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{parser: NewChainParser(nil)}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.runner == nil {
		e.runner = runner.NewExec(e.logger)
	}
	return e
}

// Parse exposes the engine's chain parser.
func (e *Engine) Parse(spec string) ([]string, error) {
	return e.parser.Parse(spec)
}

// Convert pushes input through every format of chainSpec in order. When output is
// empty the final archive lands next to the input. The input is never modified.
func (e *Engine) Convert(ctx context.Context, input, chainSpec, output string) (Result, error) {
	chain, err := e.parser.Parse(chainSpec)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(input)
	if err != nil {
		return Result{}, fmt.Errorf("input not found: %w", err)
	}
	final := chain[len(chain)-1]
	if output == "" {
		output = filepath.Join(filepath.Dir(input), BaseStem(input)+final)
	}
	if samePath(input, output) {
		return Result{}, fmt.Errorf("output path must differ from input: %s", output)
	}

	workDir, err := os.MkdirTemp(e.tempDir, "archive_chain_")
	if err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	log := e.logger.With("input", filepath.Base(input), "chain", strings.Join(chain, " -> "))
	var steps []Step
	current := input
	for i, target := range chain {
		stepOut := output
		if i < len(chain)-1 {
			stepOut = filepath.Join(workDir, fmt.Sprintf("step_%d", i+1), BaseStem(input)+target)
		}
		from := formatOf(current)
		if err := e.step(ctx, workDir, current, target, stepOut); err != nil {
			log.Warn("archive chain step failed", "step", i+1, "from", from, "to", target, "error", err)
			return Result{}, &StepError{
				Step:  i + 1,
				From:  from,
				To:    target,
				Chain: chain,
				Steps: steps,
				Err:   err,
			}
		}
		steps = append(steps, Step{Index: i + 1, From: from, To: target, Output: stepOut})
		log.Debug("archive chain step done", "step", i+1, "from", from, "to", target)
		current = stepOut
	}

	originalSize, err := sizeOf(input, info)
	if err != nil {
		return Result{}, fmt.Errorf("measure input: %w", err)
	}
	finalInfo, err := os.Stat(output)
	if err != nil {
		return Result{}, fmt.Errorf("stat output: %w", err)
	}

	return Result{
		Input:        input,
		Output:       output,
		FormatFrom:   formatOf(input),
		FormatTo:     final,
		Chain:        chain,
		Steps:        steps,
		OriginalSize: originalSize,
		FinalSize:    finalInfo.Size(),
		Message: fmt.Sprintf("Archive conversion completed: %s -> %s via %s",
			filepath.Base(input), filepath.Base(output), strings.Join(chain, " -> ")),
	}, nil
}

// step converts current into target at out, extracting current first when it is an archive.
func (e *Engine) step(ctx context.Context, workDir, current, target, out string) error {
	payload := current
	if format := archiveFormat(current); format != "" {
		parent, err := os.MkdirTemp(workDir, "extract_")
		if err != nil {
			return fmt.Errorf("create extraction dir: %w", err)
		}
		// Several entries are repacked under a folder named after the archive.
		dir := filepath.Join(parent, BaseStem(current))
		if err := e.extract(ctx, current, format, dir); err != nil {
			return err
		}
		payload, err = singleEntry(dir)
		if err != nil {
			return err
		}
	}
	return e.compress(ctx, payload, target, out)
}

// archiveFormat detects regular files with an archive extension. Directories named
// like archives are payloads, not archives.
func archiveFormat(path string) string {
	format := Detect(path)
	if format == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return format
}

// singleEntry returns the only entry of dir, or dir itself when it holds zero or several.
func singleEntry(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extraction dir: %w", err)
	}
	if len(entries) == 1 {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

func formatOf(path string) string {
	if f := archiveFormat(path); f != "" {
		return f
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "folder"
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		return ext
	}
	return "file"
}

func sizeOf(path string, info fs.FileInfo) (int64, error) {
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
