package converter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/runner"
)

// sofficeTargets maps output extensions to LibreOffice --convert-to filters.
var sofficeTargets = map[string]string{
	".pdf":  "pdf",
	".txt":  "txt:Text",
	".rtf":  "rtf",
	".doc":  "doc:MS Word 97",
	".docx": "docx:MS Word 2007 XML",
	".odt":  "odt",
	".html": "html:XHTML Writer File",
	".xml":  "xml",
	".xls":  "xls:MS Excel 97",
	".xlsx": "xlsx:Calc MS Excel 2007 XML",
	".ods":  "ods",
	".csv":  "csv:Text - txt - csv (StarCalc)",
	".ppt":  "ppt:MS PowerPoint 97",
	".pptx": "pptx:Impress MS PowerPoint 2007 XML",
	".odp":  "odp",
	".epub": "epub",
}

// DocumentConverter drives LibreOffice for office formats and converts between CSV and
// XLSX natively.
type DocumentConverter struct {
	runner runner.Runner
	table  *formats.Table
	bin    string
	logger *slog.Logger
	native bool
}

// DocumentOption configures a DocumentConverter.
type DocumentOption func(*DocumentConverter)

// WithSofficeBin pins the LibreOffice executable tried first.
func WithSofficeBin(bin string) DocumentOption {
	return func(d *DocumentConverter) { d.bin = bin }
}

// WithoutNative forces every conversion through LibreOffice.
func WithoutNative() DocumentOption {
	return func(d *DocumentConverter) { d.native = false }
}

func NewDocumentConverter(r runner.Runner, table *formats.Table, logger *slog.Logger, opts ...DocumentOption) *DocumentConverter {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = formats.DefaultTable()
	}
	d := &DocumentConverter{runner: r, table: table, logger: logger, native: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DocumentConverter) Convert(ctx context.Context, req Request) (Result, error) {
	req, err := prepare(req)
	if err != nil {
		return Result{}, err
	}
	from := strings.ToLower(filepath.Ext(req.Input))
	if !d.table.IsInput(from) {
		return Result{}, failf("", "Unsupported input format: %s", from)
	}
	if _, ok := sofficeTargets[req.OutputFormat]; !ok {
		return Result{}, failf("", "Unsupported output format: %s", req.OutputFormat)
	}

	if d.native {
		switch {
		case from == ".csv" && req.OutputFormat == ".xlsx":
			return d.nativeResult(req, from, csvToXLSX(req.Input, req.Output))
		case from == ".xlsx" && req.OutputFormat == ".csv":
			return d.nativeResult(req, from, xlsxToCSV(req.Input, req.Output))
		}
	}
	return d.soffice(ctx, req, from)
}

func (d *DocumentConverter) nativeResult(req Request, from string, err error) (Result, error) {
	if err != nil {
		_ = os.Remove(req.Output)
		return Result{}, failf(err.Error(), "Document conversion failed: %v", err)
	}
	res := Result{
		Output:     req.Output,
		FormatFrom: from,
		FormatTo:   req.OutputFormat,
		Message:    fmt.Sprintf("Converted %s to %s using excelize", from, req.OutputFormat),
	}
	if req.Debug {
		res.Debug = map[string]any{"engine": "excelize"}
	}
	return res, nil
}

func (d *DocumentConverter) soffice(ctx context.Context, req Request, from string) (Result, error) {
	bin, err := d.runner.LookPath(d.bin, "soffice", "libreoffice")
	if err != nil {
		return Result{}, failf(err.Error(), "LibreOffice not found. Install LibreOffice and ensure 'soffice' is in PATH.")
	}

	// LibreOffice names its output after the input, so it writes into a private
	// directory and the result is moved into place.
	outDir, err := os.MkdirTemp(filepath.Dir(req.Output), "soffice_")
	if err != nil {
		return Result{}, failf(err.Error(), "Cannot create output directory")
	}
	defer os.RemoveAll(outDir)

	target := sofficeTargets[req.OutputFormat]
	args := []string{"--headless", "--convert-to", target, "--outdir", outDir, req.Input}
	stdout, stderr, runErr := d.runner.Run(ctx, bin, args...)

	var debug map[string]any
	if req.Debug {
		debug = map[string]any{
			"engine":        "libreoffice",
			"command":       append([]string{bin}, args...),
			"convertTarget": target,
			"stdout":        runner.Truncate(string(stdout), 8<<10),
			"stderr":        runner.Truncate(string(stderr), 8<<10),
		}
	}

	if runErr != nil {
		msg := runner.Output(stdout, stderr)
		return Result{}, &Failure{
			Message: "Document conversion failed: " + msg,
			Detail:  msg,
			Debug:   debug,
		}
	}

	stem := strings.TrimSuffix(filepath.Base(req.Input), filepath.Ext(req.Input))
	generated, err := findGenerated(outDir, stem, req.OutputFormat)
	if err != nil {
		return Result{}, &Failure{Message: "Document conversion failed: " + err.Error(), Detail: err.Error(), Debug: debug}
	}
	_ = os.Remove(req.Output)
	if err := os.Rename(generated, req.Output); err != nil {
		return Result{}, &Failure{Message: "Document conversion failed: " + err.Error(), Detail: err.Error(), Debug: debug}
	}

	d.logger.Debug("document converted", "from", from, "to", req.OutputFormat, "output", filepath.Base(req.Output))
	return Result{
		Output:     req.Output,
		FormatFrom: from,
		FormatTo:   req.OutputFormat,
		Message:    fmt.Sprintf("Converted %s to %s using LibreOffice", from, req.OutputFormat),
		Debug:      debug,
	}, nil
}

// findGenerated locates LibreOffice's output, accepting .htm for .html and falling back
// to any file sharing the input stem.
func findGenerated(dir, stem, format string) (string, error) {
	suffixes := []string{format}
	if format == ".html" {
		suffixes = append(suffixes, ".htm")
	}
	for _, s := range suffixes {
		candidate := filepath.Join(dir, stem+s)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, globEscape(stem)+".*"))
	if len(matches) == 0 {
		return "", fmt.Errorf("LibreOffice did not generate an output file")
	}
	sort.Strings(matches)
	return matches[0], nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

func csvToXLSX(in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		for col, value := range record {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
		row++
	}
	return f.SaveAs(out)
}

func xlsxToCSV(in, out string) error {
	f, err := excelize.OpenFile(in)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("workbook has no sheets")
	}
	idx := f.GetActiveSheetIndex()
	if idx < 0 || idx >= len(sheets) {
		idx = 0
	}
	rows, err := f.GetRows(sheets[idx])
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	w := csv.NewWriter(dst)
	if err := w.WriteAll(rows); err != nil {
		dst.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	return dst.Close()
}
