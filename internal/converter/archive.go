package converter

import (
	"context"
	"errors"

	"conversion-pipeline/internal/archive"
)

// ArchiveConverter adapts the chain engine to the Converter interface. OutputFormat
// carries the chain spec.
type ArchiveConverter struct {
	engine *archive.Engine
}

func NewArchiveConverter(engine *archive.Engine) *ArchiveConverter {
	return &ArchiveConverter{engine: engine}
}

func (c *ArchiveConverter) Convert(ctx context.Context, req Request) (Result, error) {
	res, err := c.engine.Convert(ctx, req.Input, req.OutputFormat, req.Output)
	if err != nil {
		f := &Failure{Message: "Archive conversion failed: " + err.Error(), Detail: err.Error()}
		var stepErr *archive.StepError
		if errors.As(err, &stepErr) {
			f.Debug = map[string]any{"failedStep": stepErr.Step, "steps": stepErr.Steps}
		}
		return Result{}, f
	}
	out := Result{
		Output:     res.Output,
		FormatFrom: res.FormatFrom,
		FormatTo:   res.FormatTo,
		Message:    res.Message,
	}
	if req.Debug {
		out.Debug = map[string]any{"chain": res.Chain, "steps": res.Steps}
	}
	return out, nil
}
