package conversion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/queue"
	"conversion-pipeline/internal/store"
)

type memorySink struct {
	mu      sync.Mutex
	entries []store.HistoryEntry
}

func (m *memorySink) Record(_ context.Context, e store.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newDirectService(t *testing.T, doc, audio converter.Converter) (*Service, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	router := converter.NewRouter(nil, nil, doc, nil, audio, nil)
	pool := queue.NewPool(1, func(context.Context, string) {})
	svc := NewService(store.NewRegistry(), pool, archive.NewEngine(archive.WithTempDir(t.TempDir())),
		WithRouter(router), WithHistorySink(sink))
	return svc, sink
}

func stagedInput(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertDocumentImmediately(t *testing.T) {
	svc, sink := newDirectService(t, copyConverter, nil)
	in := stagedInput(t, "memo.docx", "hello")

	got, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: in, OutputFormat: "pdf"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Filename != "memo.pdf" || got.DocumentType != "text" || got.OutputProfile != formats.ProfileModern || len(got.ConversionID) != 32 {
		t.Fatalf("unexpected result %+v", got)
	}
	if body, err := os.ReadFile(got.Output); err != nil || string(body) != "pdf:hello" {
		t.Fatalf("unexpected output %q %v", body, err)
	}
	entry, err := svc.Debug(context.Background(), got.ConversionID)
	if err != nil || !entry.Success || entry.SourceFile != "memo.docx" || entry.DocumentType != "text" {
		t.Fatalf("unexpected history %+v %v", entry, err)
	}
	if len(sink.entries) != 1 || sink.entries[0].ConversionID != got.ConversionID {
		t.Fatalf("sink not written: %+v", sink.entries)
	}
}

func TestConvertDocumentRejectsBeforeConverting(t *testing.T) {
	called := false
	doc := converter.Func(func(context.Context, converter.Request) (converter.Result, error) {
		called = true
		return converter.Result{}, nil
	})
	svc, sink := newDirectService(t, doc, nil)
	in := stagedInput(t, "memo.docx", "x")

	_, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: in, OutputFormat: ".xlsx"})
	var verr *formats.ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, formats.ErrOutputNotAllowed) {
		t.Fatalf("expected output-not-allowed, got %v", err)
	}
	if called || len(sink.entries) != 0 {
		t.Fatalf("converter ran or history written for a rejected request")
	}
	if _, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: in}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestConvertDocumentFailureKeepsHistory(t *testing.T) {
	doc := converter.Func(func(context.Context, converter.Request) (converter.Result, error) {
		return converter.Result{}, &converter.Failure{Message: "LibreOffice conversion failed", Detail: "exit status 1"}
	})
	svc, _ := newDirectService(t, doc, nil)
	in := stagedInput(t, "memo.docx", "x")

	_, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: in, OutputFormat: "pdf"})
	var convErr *ConversionError
	if !errors.As(err, &convErr) || !errors.Is(err, converter.ErrConversionFailed) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if convErr.Error() != "LibreOffice conversion failed" {
		t.Fatalf("unexpected message %q", convErr.Error())
	}
	entry, err := svc.Debug(context.Background(), convErr.ConversionID)
	if err != nil || entry.Success || entry.Error != "exit status 1" {
		t.Fatalf("unexpected history %+v %v", entry, err)
	}
}

func TestConvertDocumentMissingOutput(t *testing.T) {
	liar := converter.Func(func(_ context.Context, req converter.Request) (converter.Result, error) {
		return converter.Result{Output: req.Output}, nil
	})
	svc, _ := newDirectService(t, liar, nil)
	in := stagedInput(t, "memo.docx", "x")
	if _, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: in, OutputFormat: "pdf"}); !errors.Is(err, converter.ErrConversionFailed) {
		t.Fatalf("expected missing output failure, got %v", err)
	}
}

func TestConvertAudioPassesBitrate(t *testing.T) {
	var seen converter.Request
	audio := converter.Func(func(_ context.Context, req converter.Request) (converter.Result, error) {
		seen = req
		if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
			return converter.Result{}, err
		}
		return converter.Result{Output: req.Output}, os.WriteFile(req.Output, []byte("ID3"), 0o644)
	})
	svc, _ := newDirectService(t, nil, audio)
	in := stagedInput(t, "take 1.wav", "RIFF")

	got, err := svc.ConvertAudio(context.Background(), ConvertRequest{InputPath: in, OutputFormat: "MP3", Bitrate: "128k"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Filename != "take_1.mp3" || seen.Bitrate != "128k" || seen.OutputFormat != ".mp3" {
		t.Fatalf("unexpected result %+v request %+v", got, seen)
	}

	if _, err := svc.ConvertAudio(context.Background(), ConvertRequest{InputPath: in, OutputFormat: "mid"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unsupported output, got %v", err)
	}
	doc := stagedInput(t, "memo.docx", "x")
	if _, err := svc.ConvertAudio(context.Background(), ConvertRequest{InputPath: doc, OutputFormat: "mp3"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unsupported input, got %v", err)
	}
}

func TestSynchronousPathsNeedRouter(t *testing.T) {
	svc, _, _ := newService(t, false)
	if _, err := svc.ConvertDocument(context.Background(), ConvertRequest{InputPath: "a.docx", OutputFormat: "pdf"}); !errors.Is(err, ErrNoConverter) {
		t.Fatalf("expected ErrNoConverter, got %v", err)
	}
	if _, ok := svc.FormatList("video"); ok {
		t.Fatalf("unknown catalog should not resolve")
	}
	if list, ok := svc.FormatList("audio"); !ok || len(list.Output) == 0 {
		t.Fatalf("audio catalog missing: %+v", list)
	}
}
