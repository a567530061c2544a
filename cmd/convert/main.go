package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/models"
	"conversion-pipeline/internal/queue"
	"conversion-pipeline/internal/runner"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
	"conversion-pipeline/internal/worker"
)

func main() {
	var (
		in      = flag.String("in", "", "input file or folder")
		to      = flag.String("to", "", "output format, e.g. pdf or .xlsx")
		chain   = flag.String("chain", "", `archive chain, e.g. "zip -> tar.gz"`)
		out     = flag.String("out", "", "output path (defaults next to the input)")
		docType = flag.String("type", formats.TypeAuto, "document type")
		profile = flag.String("profile", formats.ProfileModern, "output profile: legacy or modern")
		bitrate = flag.String("bitrate", "", "mp3 bitrate, e.g. 128k")
		options = flag.Bool("options", false, "print supported document formats and exit")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Env, level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := newCLI(cfg, logger)
	switch {
	case *options:
		err = printJSON(c.svc.DocumentOptions())
	case *in == "":
		flag.Usage()
		os.Exit(2)
	case *chain != "":
		err = c.archive(ctx, *in, *chain, *out)
	case *to != "":
		err = c.convert(ctx, *in, *to, *docType, *profile, *bitrate, *out)
	default:
		err = errors.New("one of -to or -chain is required")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "convert:", err)
		os.Exit(1)
	}
}

type cli struct {
	router *converter.Router
	svc    *conversion.Service
	pool   *queue.Pool
	logger *slog.Logger
}

func newCLI(cfg config.Config, logger *slog.Logger) *cli {
	table := formats.DefaultTable()
	exec := runner.NewExec(logger)
	engine := archive.NewEngine(
		archive.WithRunner(exec),
		archive.WithLogger(logger),
		archive.WithTempDir(cfg.WorkDir),
		archive.WithSeparators(cfg.ChainSeparators),
		archive.WithSevenZipBin(cfg.SevenZipBin),
	)
	router := converter.NewRouter(table, engine.Parse,
		converter.NewDocumentConverter(exec, table, logger, converter.WithSofficeBin(cfg.SofficeBin)),
		converter.NewImageConverter(exec, cfg.MagickBin, logger),
		converter.NewAudioConverter(exec, cfg.FFmpegBin, logger),
		converter.NewArchiveConverter(engine),
	)
	registry := store.NewRegistry()
	handler := worker.NewConversionHandler(registry, table, router, worker.WithLogger(logger))
	pool := queue.NewPool(1, handler.Handle, queue.WithLogger(logger), queue.WithName("cli"))
	svc := conversion.NewService(registry, pool, engine,
		conversion.WithTable(table), conversion.WithRouter(router), conversion.WithWorkDir(cfg.WorkDir),
		conversion.WithLogger(logger))
	return &cli{router: router, svc: svc, pool: pool, logger: logger}
}

func (c *cli) archive(ctx context.Context, in, chain, out string) error {
	res, err := c.svc.ConvertArchiveChain(ctx, in, chain, out)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// convert sends documents through the job pipeline so they get the same validation as the
// API; other families go straight to their converter.
func (c *cli) convert(ctx context.Context, in, to, docType, profile, bitrate, out string) error {
	family, err := c.router.Classify(converter.Request{Input: in, OutputFormat: to})
	if err != nil {
		return err
	}
	if family != formats.FamilyDocument {
		res, err := c.router.Convert(ctx, converter.Request{Input: in, Output: out, OutputFormat: to, Bitrate: bitrate})
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	view, err := c.svc.StartJob(ctx, conversion.StartRequest{
		InputPath:     in,
		OutputFormat:  to,
		DocumentType:  docType,
		OutputProfile: profile,
	})
	if err != nil {
		return err
	}
	poolCtx, stop := context.WithCancel(ctx)
	defer stop()
	c.pool.Start(poolCtx)

	view, err = c.wait(ctx, view.JobID)
	if err != nil {
		return err
	}
	if view.Status == models.StatusFailed {
		if view.Error != nil {
			return errors.New(*view.Error)
		}
		return errors.New(view.Message)
	}

	dl, err := c.svc.OpenDownload(view.JobID)
	if err != nil {
		return err
	}
	defer dl.Close()
	if out == "" {
		out = filepath.Join(filepath.Dir(in), dl.Name)
	}
	if err := copyTo(out, dl); err != nil {
		return err
	}
	return printJSON(map[string]any{"jobId": view.JobID, "output": out, "conversionId": view.ConversionID})
}

func (c *cli) wait(ctx context.Context, id string) (models.JobView, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	last := -1
	for {
		view, err := c.svc.JobStatus(id)
		if err != nil {
			return models.JobView{}, err
		}
		if view.Progress != last {
			c.logger.Info(strings.TrimSuffix(view.Message, "..."), "job_id", id, "progress", view.Progress)
			last = view.Progress
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func copyTo(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
