package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"

	"conversion-pipeline/internal/runner"
)

// ErrDirectoryPayload is returned when a single-file format is asked to hold a folder.
var ErrDirectoryPayload = errors.New("format supports single files only")

var tarFormats = map[string]bool{
	".tar": true, ".tar.gz": true, ".tgz": true,
	".tar.bz2": true, ".tbz2": true, ".tar.xz": true, ".txz": true,
}

var singleFileHints = map[string]string{
	".gz":  "GZIP supports single files only. Use tar.gz for folders.",
	".bz2": "BZip2 supports single files only. Use tar.bz2 for folders.",
	".xz":  "XZ supports single files only. Use tar.xz for folders.",
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w in the stream codec used by format.
func compressWriter(format string, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case ".tar":
		return nopWriteCloser{w}, nil
	case ".tar.gz", ".tgz", ".gz":
		return gzip.NewWriter(w), nil
	case ".tar.bz2", ".tbz2", ".bz2":
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case ".tar.xz", ".txz", ".xz":
		return xz.NewWriter(w)
	}
	return nil, fmt.Errorf("%w: no stream codec for %s", ErrUnsupportedFormat, format)
}

// decompressReader wraps r in the stream decoder used by format.
func decompressReader(format string, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case ".tar":
		return io.NopCloser(r), nil
	case ".tar.gz", ".tgz", ".gz":
		return gzip.NewReader(r)
	case ".tar.bz2", ".tbz2", ".bz2":
		return bzip2.NewReader(r, nil)
	case ".tar.xz", ".txz", ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, fmt.Errorf("%w: no stream codec for %s", ErrUnsupportedFormat, format)
}

// compress packs source (file or directory) into out using format.
func (e *Engine) compress(ctx context.Context, source, format, out string) (err error) {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("input not found: %w", err)
	}
	hint, single := singleFileHints[format]
	switch {
	case single && info.IsDir():
		return fmt.Errorf("%w: %s", ErrDirectoryPayload, hint)
	case !single && format != ".zip" && format != ".7z" && !tarFormats[format]:
		return fmt.Errorf("%w: unsupported target archive format: %s", ErrUnsupportedFormat, format)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	// Only a file this call created is removed on failure.
	if _, statErr := os.Lstat(out); errors.Is(statErr, fs.ErrNotExist) {
		defer func() {
			if err != nil {
				_ = os.Remove(out)
			}
		}()
	}

	switch {
	case format == ".zip":
		return writeZip(source, out)
	case tarFormats[format]:
		return writeTar(source, format, out)
	case format == ".7z":
		return e.sevenZip(ctx, "a", "-t7z", out, source)
	}
	return writeStream(source, format, out)
}

// extract unpacks archivePath (detected as format) into dir.
func (e *Engine) extract(ctx context.Context, archivePath, format, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	switch {
	case format == ".zip":
		return readZip(archivePath, dir)
	case tarFormats[format]:
		return readTar(archivePath, format, dir)
	case format == ".7z":
		return e.sevenZip(ctx, "x", archivePath, "-o"+dir, "-y")
	case singleFileHints[format] != "":
		return readStream(archivePath, format, dir)
	}
	return fmt.Errorf("%w: unsupported input archive format: %s", ErrUnsupportedFormat, format)
}

func (e *Engine) sevenZip(ctx context.Context, args ...string) error {
	bin, err := e.runner.LookPath(e.sevenZipBin, "7z", "7za")
	if err != nil {
		return fmt.Errorf("7z binary not found, install p7zip/7zip: %w", err)
	}
	stdout, stderr, err := e.runner.Run(ctx, bin, args...)
	if err != nil {
		return fmt.Errorf("7z %s failed: %s: %w", args[0], runner.Output(stdout, stderr), err)
	}
	return nil
}

func writeZip(source, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	root := filepath.Dir(source)
	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyFile(w, path)
	})

	closeErr := zw.Close()
	fileErr := f.Close()
	if walkErr != nil {
		return fmt.Errorf("ZIP compression failed: %w", walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("ZIP compression failed: %w", closeErr)
	}
	return fileErr
}

func writeTar(source, format, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	comp, err := compressWriter(format, f)
	if err != nil {
		_ = f.Close()
		return err
	}
	tw := tar.NewWriter(comp)

	root := filepath.Dir(source)
	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})

	errs := []error{walkErr, tw.Close(), comp.Close(), f.Close()}
	for _, e := range errs {
		if e != nil {
			return fmt.Errorf("TAR compression failed: %w", e)
		}
	}
	return nil
}

func writeStream(source, format, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	comp, err := compressWriter(format, f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if gz, ok := comp.(*gzip.Writer); ok {
		gz.Name = filepath.Base(source)
	}
	copyErr := copyFile(comp, source)
	closeErr := comp.Close()
	fileErr := f.Close()
	for _, e := range []error{copyErr, closeErr, fileErr} {
		if e != nil {
			return fmt.Errorf("%s compression failed: %w", strings.TrimPrefix(format, "."), e)
		}
	}
	return nil
}

func readZip(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("ZIP extraction failed: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("ZIP extraction failed: %w", err)
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("ZIP extraction failed: %w", err)
		}
	}
	return nil
}

func readTar(archivePath, format, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("TAR extraction failed: %w", err)
	}
	defer f.Close()
	dec, err := decompressReader(format, f)
	if err != nil {
		return fmt.Errorf("TAR extraction failed: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("TAR extraction failed: %w", err)
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("TAR extraction failed: %w", err)
			}
		}
	}
}

// readStream decodes a single-file archive into dir. Gzip streams keep the name stored in
// their header; other codecs name the file after the archive stem.
func readStream(archivePath, format, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%s extraction failed: %w", strings.TrimPrefix(format, "."), err)
	}
	defer f.Close()
	dec, err := decompressReader(format, f)
	if err != nil {
		return fmt.Errorf("%s extraction failed: %w", strings.TrimPrefix(format, "."), err)
	}
	defer dec.Close()
	name := BaseStem(archivePath)
	if gz, ok := dec.(*gzip.Reader); ok {
		if stored := headerName(gz.Name); stored != "" {
			name = stored
		}
	}
	if err := writeFile(filepath.Join(dir, name), dec, 0o644); err != nil {
		return fmt.Errorf("%s extraction failed: %w", strings.TrimPrefix(format, "."), err)
	}
	return nil
}

// headerName reduces a gzip header name to a plain base name, or "" when none is usable.
func headerName(stored string) string {
	name := path.Base(strings.ReplaceAll(stored, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// safeJoin resolves an archive entry name under dir, rejecting entries that escape it.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}
