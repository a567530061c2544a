package converter

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/runner"
)

// fakeRunner records invocations and lets each test decide what the tool does.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	missing bool
	run     func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.run == nil {
		return nil, nil, nil
	}
	return f.run(name, args)
}

func (f *fakeRunner) LookPath(candidates ...string) (string, error) {
	if f.missing {
		return "", runner.ErrBinaryNotFound
	}
	for _, c := range candidates {
		if c != "" {
			return c, nil
		}
	}
	return "", runner.ErrBinaryNotFound
}

// fakeSoffice writes "<stem><ext>" into the --outdir argument.
func fakeSoffice(ext string) func(string, []string) ([]byte, []byte, error) {
	return func(_ string, args []string) ([]byte, []byte, error) {
		var outDir string
		for i, a := range args {
			if a == "--outdir" {
				outDir = args[i+1]
			}
		}
		input := args[len(args)-1]
		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		return []byte("convert ok"), nil, os.WriteFile(filepath.Join(outDir, stem+ext), []byte("converted"), 0o644)
	}
}

func touch(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDocumentConverterSoffice(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "report.docx"), "docx")
	r := &fakeRunner{run: fakeSoffice(".pdf")}
	d := NewDocumentConverter(r, nil, nil, WithSofficeBin("/opt/lo/soffice"))

	res, err := d.Convert(context.Background(), Request{Input: in, Output: filepath.Join(dir, "out", "report.pdf"), OutputFormat: "PDF", Debug: true})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := os.Stat(res.Output); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if res.FormatTo != ".pdf" || res.Message != "Converted .docx to .pdf using LibreOffice" {
		t.Fatalf("unexpected result %+v", res)
	}
	call := r.calls[0]
	if call[0] != "/opt/lo/soffice" || call[1] != "--headless" || call[3] != "pdf" {
		t.Fatalf("unexpected command %v", call)
	}
	if res.Debug["stdout"] != "convert ok" {
		t.Fatalf("debug details missing: %v", res.Debug)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "out", "soffice_*"))
	if len(leftovers) != 0 {
		t.Fatalf("staging dir left behind: %v", leftovers)
	}
}

func TestDocumentConverterHTMFallback(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "page.odt"), "odt")
	d := NewDocumentConverter(&fakeRunner{run: fakeSoffice(".htm")}, nil, nil)

	res, err := d.Convert(context.Background(), Request{Input: in, OutputFormat: ".html"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Output != filepath.Join(dir, "page.html") {
		t.Fatalf("unexpected output %s", res.Output)
	}
}

func TestDocumentConverterFailure(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "deck.pptx"), "pptx")
	r := &fakeRunner{run: func(string, []string) ([]byte, []byte, error) {
		return nil, []byte("source file could not be loaded"), errors.New("exit status 1")
	}}
	d := NewDocumentConverter(r, nil, nil)

	_, err := d.Convert(context.Background(), Request{Input: in, OutputFormat: ".pdf"})
	var f *Failure
	if !errors.As(err, &f) || !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected Failure, got %v", err)
	}
	if f.Detail != "source file could not be loaded" || f.Message != "Document conversion failed: source file could not be loaded" {
		t.Fatalf("unexpected failure %+v", f)
	}

	_, err = NewDocumentConverter(&fakeRunner{missing: true}, nil, nil).Convert(context.Background(), Request{Input: in, OutputFormat: ".pdf"})
	if !errors.Is(err, ErrConversionFailed) || !strings.Contains(err.Error(), "LibreOffice not found") {
		t.Fatalf("expected missing binary failure, got %v", err)
	}

	_, err = d.Convert(context.Background(), Request{Input: in, OutputFormat: ".mp3"})
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected unsupported output failure, got %v", err)
	}
}

func TestDocumentConverterNativeSpreadsheet(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "data.csv"), "name,qty\nbolt,4\nnut,\"1,000\"\n")
	r := &fakeRunner{}
	d := NewDocumentConverter(r, nil, nil)

	xlsx, err := d.Convert(context.Background(), Request{Input: in, OutputFormat: ".xlsx"})
	if err != nil {
		t.Fatalf("csv -> xlsx: %v", err)
	}
	back := filepath.Join(dir, "back", "data.csv")
	if _, err := d.Convert(context.Background(), Request{Input: xlsx.Output, Output: back, OutputFormat: ".csv"}); err != nil {
		t.Fatalf("xlsx -> csv: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "name,qty\nbolt,4\nnut,\"1,000\"\n" {
		t.Fatalf("round trip mismatch: %q", got)
	}
	if len(r.calls) != 0 {
		t.Fatalf("native path should not spawn processes: %v", r.calls)
	}
}

func TestImageConverterNativeAndMagick(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "logo.png")
	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	img.Set(1, 1, color.NRGBA{R: 255, A: 128})
	f, err := os.Create(in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	r := &fakeRunner{run: func(_ string, args []string) ([]byte, []byte, error) {
		return nil, nil, os.WriteFile(args[len(args)-1], []byte("ico"), 0o644)
	}}
	c := NewImageConverter(r, "", nil)

	res, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: ".jpg", Debug: true})
	if err != nil {
		t.Fatalf("png -> jpg: %v", err)
	}
	if res.Debug["engine"] != "imaging" || res.Debug["dimensions"] != "8x4" {
		t.Fatalf("unexpected debug %v", res.Debug)
	}
	if len(r.calls) != 0 {
		t.Fatalf("native conversion should not call magick")
	}

	res, err = c.Convert(context.Background(), Request{Input: in, OutputFormat: ".ico", Debug: true})
	if err != nil {
		t.Fatalf("png -> ico: %v", err)
	}
	if res.Debug["engine"] != "magick" || len(r.calls) != 1 || r.calls[0][0] != "magick" {
		t.Fatalf("expected magick fallback, calls=%v debug=%v", r.calls, res.Debug)
	}
}

func TestAudioConverterArgs(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "song.wav"), "RIFF")
	r := &fakeRunner{}
	c := NewAudioConverter(r, "", nil)

	if _, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: "mp3"}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	cmd := strings.Join(r.calls[0], " ")
	if !strings.HasPrefix(cmd, "ffmpeg -y") || !strings.Contains(cmd, "-b:a 192k") || !strings.HasSuffix(cmd, filepath.Join(dir, "song.mp3")) {
		t.Fatalf("unexpected ffmpeg command %q", cmd)
	}

	if _, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: ".mid"}); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected unsupported output, got %v", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	dir := t.TempDir()
	var hit []string
	stub := func(name string) Converter {
		return Func(func(_ context.Context, req Request) (Result, error) {
			hit = append(hit, name)
			return Result{Output: req.Output}, nil
		})
	}
	engine := archive.NewEngine(archive.WithTempDir(t.TempDir()))
	router := NewRouter(nil, engine.Parse, stub("document"), stub("image"), stub("audio"), stub("archive"))

	cases := []struct {
		input, format, want string
	}{
		{"a.docx", ".pdf", "document"},
		{"a.jpeg", ".png", "image"},
		{"a.flac", ".mp3", "audio"},
		{"a.tar.gz", ".zip", "archive"},
		{"a.docx", "zip -> 7z", "archive"},
	}
	for _, tc := range cases {
		hit = nil
		if _, err := router.Convert(context.Background(), Request{Input: filepath.Join(dir, tc.input), OutputFormat: tc.format}); err != nil {
			t.Fatalf("%s: %v", tc.input, err)
		}
		if len(hit) != 1 || hit[0] != tc.want {
			t.Fatalf("%s -> %s routed to %v, want %s", tc.input, tc.format, hit, tc.want)
		}
	}

	if _, err := router.Convert(context.Background(), Request{Input: "x.exe", OutputFormat: ".pdf"}); !errors.Is(err, formats.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	router.Audio = nil
	if _, err := router.For(formats.FamilyAudio); !errors.Is(err, formats.ErrUnsupportedFormat) {
		t.Fatalf("expected missing converter error, got %v", err)
	}
}

func TestArchiveConverterReportsStep(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "docs")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(folder, "a.txt"), "a")
	touch(t, filepath.Join(folder, "b.txt"), "b")

	c := NewArchiveConverter(archive.NewEngine(archive.WithTempDir(t.TempDir())))
	_, err := c.Convert(context.Background(), Request{Input: folder, OutputFormat: "zip -> bz2"})
	var f *Failure
	if !errors.As(err, &f) || f.Debug["failedStep"] != 2 {
		t.Fatalf("expected failure at step 2, got %v (%+v)", err, f)
	}
	if !strings.Contains(f.Message, "BZip2 supports single files only") {
		t.Fatalf("unexpected message %q", f.Message)
	}
}

func TestAudioConverterBitrate(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "song.wav"), "RIFF")
	r := &fakeRunner{}
	c := NewAudioConverter(r, "", nil)

	if _, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: ".mp3", Bitrate: "128K"}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	cmd := strings.Join(r.calls[0], " ")
	if !strings.Contains(cmd, "-b:a 128k") || strings.Contains(cmd, "192k") {
		t.Fatalf("bitrate not applied: %q", cmd)
	}

	if _, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: ".flac", Bitrate: "128k"}); err != nil {
		t.Fatalf("convert flac: %v", err)
	}
	if cmd := strings.Join(r.calls[1], " "); strings.Contains(cmd, "-b:a") {
		t.Fatalf("lossless output got a bitrate: %q", cmd)
	}

	_, err := c.Convert(context.Background(), Request{Input: in, OutputFormat: ".mp3", Bitrate: "128k; rm -rf"})
	if !errors.Is(err, ErrConversionFailed) || len(r.calls) != 2 {
		t.Fatalf("expected rejected bitrate before ffmpeg ran, got %v (%d calls)", err, len(r.calls))
	}
}

func TestFormatCatalogs(t *testing.T) {
	doc := DocumentFormats(nil)
	if !contains(doc.Input, ".docx") || !contains(doc.Output, ".pdf") {
		t.Fatalf("unexpected document formats %+v", doc)
	}
	audio := AudioFormats()
	if !contains(audio.Input, ".wav") || !contains(audio.Output, ".mp3") || contains(audio.Output, ".ac3") {
		t.Fatalf("unexpected audio formats %+v", audio)
	}
	for i := 1; i < len(audio.Input); i++ {
		if audio.Input[i-1] > audio.Input[i] {
			t.Fatalf("audio inputs not sorted: %v", audio.Input)
		}
	}
	if lo := LibreOfficeFormats(); !contains(lo.Input, ".odt") || !contains(lo.Output, ".epub") {
		t.Fatalf("unexpected libreoffice formats %+v", lo)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
