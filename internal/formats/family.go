package formats

import (
	"fmt"
	"path/filepath"
	"strings"

	"conversion-pipeline/internal/archive"
)

// ErrUnsupportedFormat is shared with the archive package so callers check one sentinel.
var ErrUnsupportedFormat = archive.ErrUnsupportedFormat

// Family is the closed set of converter families an input can be routed to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyDocument
	FamilyImage
	FamilyAudio
	FamilyArchive
)

func (f Family) String() string {
	switch f {
	case FamilyDocument:
		return "document"
	case FamilyImage:
		return "image"
	case FamilyAudio:
		return "audio"
	case FamilyArchive:
		return "archive"
	}
	return "unknown"
}

// ImageInputs and friends list the extensions each converter family accepts.
var (
	ImageInputs = set(
		".jpg", ".jpeg", ".jpe", ".jfif", ".png", ".gif", ".bmp",
		".tiff", ".tif", ".webp", ".ico", ".icns", ".psd", ".eps",
		".raw", ".cr2", ".nef", ".arw", ".dng", ".heic", ".heif",
		".avif", ".jp2", ".j2k", ".pcx", ".tga", ".xbm", ".xpm",
		".svg", ".svgz",
	)
	ImageOutputs = set(
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp",
		".ico", ".pdf", ".eps", ".svg",
	)
	AudioInputs = set(
		".mp3", ".wav", ".ogg", ".flac", ".aac", ".m4a", ".wma",
		".opus", ".webm", ".aiff", ".au", ".raw", ".caf", ".ape",
		".wv", ".tta", ".dts", ".ac3", ".eac3", ".mlp", ".truehd",
	)
	AudioOutputs = set(
		".mp3", ".wav", ".ogg", ".flac", ".aac", ".m4a", ".opus",
		".aiff", ".wma",
	)
)

func set(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

var defaultParser = archive.NewChainParser(nil)

// Classify routes inputPath to a family using the default chain separators.
func Classify(inputPath, outputFormat string) (Family, error) {
	return ClassifyWith(defaultParser.Parse, DefaultTable(), inputPath, outputFormat)
}

// ClassifyWith routes inputPath to a family. Archive inputs win by longest suffix, then an
// output that parses as an archive chain, then plain extension lookups in the order
// document, image, audio. ".raw" therefore resolves to image.
func ClassifyWith(parseChain func(string) ([]string, error), table *Table, inputPath, outputFormat string) (Family, error) {
	if archive.Detect(inputPath) != "" {
		return FamilyArchive, nil
	}
	if strings.TrimSpace(outputFormat) != "" {
		if _, err := parseChain(outputFormat); err == nil {
			return FamilyArchive, nil
		}
	}
	ext := strings.ToLower(filepath.Ext(inputPath))
	switch {
	case ext == "":
	case table.IsInput(ext):
		return FamilyDocument, nil
	case ImageInputs[ext]:
		return FamilyImage, nil
	case AudioInputs[ext]:
		return FamilyAudio, nil
	}
	if ext == "" {
		ext = "(none)"
	}
	return FamilyUnknown, fmt.Errorf("%w: no converter for %s", ErrUnsupportedFormat, ext)
}

// NormalizeExt lowercases an extension and ensures its leading dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
