package converter

import (
	"context"
	"fmt"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/formats"
)

// Router dispatches a request to the converter of its family.
type Router struct {
	Document Converter
	Image    Converter
	Audio    Converter
	Archive  Converter

	table      *formats.Table
	parseChain func(string) ([]string, error)
}

// NewRouter wires the four family converters. parseChain decides whether an output
// names an archive chain; nil uses the default separators.
func NewRouter(table *formats.Table, parseChain func(string) ([]string, error), doc, img, audio, arc Converter) *Router {
	if table == nil {
		table = formats.DefaultTable()
	}
	if parseChain == nil {
		parseChain = archive.NewChainParser(nil).Parse
	}
	return &Router{
		Document:   doc,
		Image:      img,
		Audio:      audio,
		Archive:    arc,
		table:      table,
		parseChain: parseChain,
	}
}

// Classify returns the family of a request.
func (r *Router) Classify(req Request) (formats.Family, error) {
	return formats.ClassifyWith(r.parseChain, r.table, req.Input, req.OutputFormat)
}

// For returns the converter handling family.
func (r *Router) For(family formats.Family) (Converter, error) {
	var c Converter
	switch family {
	case formats.FamilyDocument:
		c = r.Document
	case formats.FamilyImage:
		c = r.Image
	case formats.FamilyAudio:
		c = r.Audio
	case formats.FamilyArchive:
		c = r.Archive
	case formats.FamilyUnknown:
		return nil, fmt.Errorf("%w: unknown family", formats.ErrUnsupportedFormat)
	default:
		panic(fmt.Sprintf("converter: unhandled family %d", int(family)))
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no %s converter configured", formats.ErrUnsupportedFormat, family)
	}
	return c, nil
}

// Convert classifies the request and runs the matching converter.
func (r *Router) Convert(ctx context.Context, req Request) (Result, error) {
	family, err := r.Classify(req)
	if err != nil {
		return Result{}, err
	}
	c, err := r.For(family)
	if err != nil {
		return Result{}, err
	}
	return c.Convert(ctx, req)
}
