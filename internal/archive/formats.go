package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrUnsupportedFormat is returned for unknown extensions and chain tokens.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Extensions lists every recognized archive extension, longest first so suffix
// matching prefers ".tar.gz" over ".gz".
var Extensions = sortedByLength([]string{
	".tar.gz", ".tar.bz2", ".tar.xz",
	".tgz", ".tbz2", ".txz",
	".tar", ".zip", ".gz", ".bz2", ".xz", ".7z",
})

// DefaultSeparators split a chain spec such as "zip->tar.gz" or "tar, zip | 7z".
var DefaultSeparators = []string{"->", "=>", ">", ",", "|"}

func sortedByLength(exts []string) []string {
	out := append([]string(nil), exts...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Detect returns the archive extension name ends with, or "" when it is not an archive.
func Detect(name string) string {
	lower := strings.ToLower(filepath.Base(name))
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return ext
		}
	}
	return ""
}

// IsFormat reports whether ext is a recognized archive extension.
func IsFormat(ext string) bool {
	_, err := Normalize(ext)
	return err == nil
}

// Normalize lowercases a token and turns it into a dotted archive extension.
func Normalize(token string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(token))
	if f == "" {
		return "", fmt.Errorf("%w: missing output archive format", ErrUnsupportedFormat)
	}
	if !strings.HasPrefix(f, ".") {
		f = "." + f
	}
	for _, ext := range Extensions {
		if ext == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported archive output format: %s", ErrUnsupportedFormat, f)
}

// BaseStem strips a recognized archive extension, or the last extension otherwise.
func BaseStem(path string) string {
	name := filepath.Base(path)
	if ext := Detect(name); ext != "" {
		return name[:len(name)-len(ext)]
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ChainParser splits chain specs on a configurable separator set.
type ChainParser struct {
	separators []string
	split      *regexp.Regexp
}

// NewChainParser compiles the separator set. An empty set falls back to DefaultSeparators.
func NewChainParser(separators []string) *ChainParser {
	seps := make([]string, 0, len(separators))
	for _, s := range separators {
		if s = strings.TrimSpace(s); s != "" {
			seps = append(seps, s)
		}
	}
	if len(seps) == 0 {
		seps = append(seps, DefaultSeparators...)
	}
	// Longer tokens first so "->" is not consumed as ">".
	seps = sortedByLength(seps)
	quoted := make([]string, len(seps))
	for i, s := range seps {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return &ChainParser{
		separators: seps,
		split:      regexp.MustCompile(`\s*(?:` + strings.Join(quoted, "|") + `)\s*`),
	}
}

// Separators returns the active separator tokens.
func (p *ChainParser) Separators() []string {
	return append([]string(nil), p.separators...)
}

// Parse turns a chain spec into an ordered list of archive extensions.
func (p *ChainParser) Parse(spec string) ([]string, error) {
	raw := strings.ToLower(strings.TrimSpace(spec))
	if raw == "" {
		return nil, fmt.Errorf("%w: missing output archive format", ErrUnsupportedFormat)
	}
	var chain []string
	for _, part := range p.split.Split(raw, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := Normalize(part)
		if err != nil {
			return nil, err
		}
		chain = append(chain, f)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: missing output archive format", ErrUnsupportedFormat)
	}
	return chain, nil
}
