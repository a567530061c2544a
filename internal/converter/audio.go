package converter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/runner"
)

// codecArgs holds per-output ffmpeg encoder settings.
var codecArgs = map[string][]string{
	".mp3":  {"-codec:a", "libmp3lame"},
	".ogg":  {"-codec:a", "libvorbis"},
	".flac": {"-compression_level", "5"},
}

// DefaultBitrate is used for mp3 output when the request names none.
const DefaultBitrate = "192k"

var bitratePattern = regexp.MustCompile(`^[1-9][0-9]{1,2}k$`)

// AudioConverter transcodes with ffmpeg.
type AudioConverter struct {
	runner runner.Runner
	bin    string
	logger *slog.Logger
}

// NewAudioConverter finds ffmpegBin (or ffmpeg on PATH) through r at conversion time.
func NewAudioConverter(r runner.Runner, ffmpegBin string, logger *slog.Logger) *AudioConverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioConverter{runner: r, bin: ffmpegBin, logger: logger}
}

func (c *AudioConverter) Convert(ctx context.Context, req Request) (Result, error) {
	req, err := prepare(req)
	if err != nil {
		return Result{}, err
	}
	from := strings.ToLower(filepath.Ext(req.Input))
	if !formats.AudioInputs[from] {
		return Result{}, failf("", "Unsupported input format: %s", from)
	}
	if !formats.AudioOutputs[req.OutputFormat] {
		return Result{}, failf("", "Unsupported output format: %s", req.OutputFormat)
	}

	bitrate := strings.ToLower(strings.TrimSpace(req.Bitrate))
	if bitrate != "" && !bitratePattern.MatchString(bitrate) {
		return Result{}, failf("", "Invalid bitrate: %s", req.Bitrate)
	}
	if bitrate == "" {
		bitrate = DefaultBitrate
	}

	bin, err := c.runner.LookPath(c.bin, "ffmpeg")
	if err != nil {
		return Result{}, failf(err.Error(), "ffmpeg not found. Install ffmpeg to convert audio.")
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", req.Input}
	args = append(args, codecArgs[req.OutputFormat]...)
	if req.OutputFormat == ".mp3" {
		args = append(args, "-b:a", bitrate)
	}
	args = append(args, req.Output)

	stdout, stderr, err := c.runner.Run(ctx, bin, args...)
	if err != nil {
		msg := runner.Output(stdout, stderr)
		return Result{}, failf(msg, "Audio conversion failed: %s", msg)
	}

	res := Result{
		Output:     req.Output,
		FormatFrom: from,
		FormatTo:   req.OutputFormat,
		Message:    fmt.Sprintf("Converted audio to %s", req.OutputFormat),
	}
	if req.Debug {
		res.Debug = map[string]any{"engine": "ffmpeg", "command": append([]string{bin}, args...)}
	}
	return res, nil
}
