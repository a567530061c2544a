package converter

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/runner"
)

// ImageConverter re-encodes common raster formats in process and hands everything else
// to ImageMagick.
type ImageConverter struct {
	runner  runner.Runner
	bin     string
	quality int
	logger  *slog.Logger
}

func NewImageConverter(r runner.Runner, magickBin string, logger *slog.Logger) *ImageConverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageConverter{runner: r, bin: magickBin, quality: 95, logger: logger}
}

func (c *ImageConverter) Convert(ctx context.Context, req Request) (Result, error) {
	req, err := prepare(req)
	if err != nil {
		return Result{}, err
	}
	from := strings.ToLower(filepath.Ext(req.Input))
	if !formats.ImageInputs[from] {
		return Result{}, failf("", "Unsupported input format: %s", from)
	}
	if !formats.ImageOutputs[req.OutputFormat] {
		return Result{}, failf("", "Unsupported output format: %s", req.OutputFormat)
	}

	engine := "imaging"
	dims, nativeErr := c.native(req)
	if nativeErr != nil {
		c.logger.Debug("native image conversion unavailable, using magick", "from", from, "to", req.OutputFormat, "error", nativeErr)
		engine = "magick"
		if err := c.magick(ctx, req); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Output:     req.Output,
		FormatFrom: from,
		FormatTo:   req.OutputFormat,
		Message:    fmt.Sprintf("Converted image to %s", req.OutputFormat),
	}
	if req.Debug {
		res.Debug = map[string]any{"engine": engine}
		if dims != "" {
			res.Debug["dimensions"] = dims
		}
	}
	return res, nil
}

// native decodes and re-encodes with imaging; formats it cannot write return an error.
func (c *ImageConverter) native(req Request) (string, error) {
	format, err := imaging.FormatFromFilename(req.Output)
	if err != nil {
		return "", err
	}
	img, err := imaging.Open(req.Input, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if format == imaging.JPEG {
		img = flatten(img)
	}
	if err := imaging.Save(img, req.Output, imaging.JPEGQuality(c.quality)); err != nil {
		_ = os.Remove(req.Output)
		return "", fmt.Errorf("encode image: %w", err)
	}
	b := img.Bounds()
	return fmt.Sprintf("%dx%d", b.Dx(), b.Dy()), nil
}

// flatten composites img onto white, since JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func (c *ImageConverter) magick(ctx context.Context, req Request) error {
	bin, err := c.runner.LookPath(c.bin, "magick", "convert")
	if err != nil {
		return failf(err.Error(), "ImageMagick not found. Install ImageMagick to convert %s files.", filepath.Ext(req.Input))
	}
	stdout, stderr, err := c.runner.Run(ctx, bin, req.Input, req.Output)
	if err != nil {
		msg := runner.Output(stdout, stderr)
		return failf(msg, "Image conversion failed: %s", msg)
	}
	return nil
}
