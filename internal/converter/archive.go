package converter

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/file-converter/internal/format"
)

var errUnsafePath = errors.New("archive entry escapes extraction directory")

// archiveStrategy extracts the source archive and re-packs its contents in the target format.
// When that fails the original file is wrapped unchanged in the target format.
type archiveStrategy struct {
	runner   Runner
	sevenZip string
	unrar    string
	rar      string
	logger   *slog.Logger
}

func (s *archiveStrategy) Name() string {
	return StrategyArchive
}

func (s *archiveStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	cause := s.repack(ctx, req)
	if cause == nil {
		return Outcome{Strategy: StrategyArchive}, nil
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	s.logger.Warn("Archive repack failed, wrapping original",
		slog.String("source", string(req.Source)),
		slog.String("target", string(req.Target)),
		slog.Any("error", cause),
	)

	if err := s.wrap(ctx, req); err != nil {
		return degrade(ctx, s.logger, StrategyArchive, req, fmt.Errorf("repack: %v; wrap: %w", cause, err))
	}
	return Outcome{Strategy: StrategyArchive, Degraded: true, Note: "wrapped original: " + cause.Error()}, nil
}

func (s *archiveStrategy) repack(ctx context.Context, req Request) error {
	scratch, err := os.MkdirTemp(filepath.Dir(req.Output), ".extract-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := s.extract(ctx, req.Input, req.Source, req.Name, scratch); err != nil {
		return fmt.Errorf("extract %s: %w", req.Source, err)
	}

	return writeAtomic(req.Output, func(tmp string) error {
		return s.pack(ctx, scratch, tmp, req.Target)
	})
}

func (s *archiveStrategy) wrap(ctx context.Context, req Request) error {
	scratch, err := os.MkdirTemp(filepath.Dir(req.Output), ".wrap-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	name := filepath.Base(req.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = filepath.Base(req.Input)
	}
	if err := copyFile(req.Input, filepath.Join(scratch, name)); err != nil {
		return err
	}

	return writeAtomic(req.Output, func(tmp string) error {
		return s.pack(ctx, scratch, tmp, req.Target)
	})
}

func (s *archiveStrategy) extract(ctx context.Context, src string, f format.Format, name, dir string) error {
	switch f {
	case format.ZIP:
		return extractZip(src, dir)
	case format.TAR:
		file, err := os.Open(src)
		if err != nil {
			return err
		}
		defer file.Close()
		return extractTar(tar.NewReader(file), dir)
	case format.GZ:
		return extractGzip(src, name, dir)
	case format.RAR:
		tool, err := lookup(s.runner, s.unrar)
		if err != nil {
			return err
		}
		return s.runner.Run(ctx, "", tool, "x", "-o+", "-y", src, dir+string(filepath.Separator))
	case format.SevenZip:
		tool, err := lookup(s.runner, s.sevenZip)
		if err != nil {
			return err
		}
		return s.runner.Run(ctx, "", tool, "x", "-y", "-o"+dir, src)
	}
	return fmt.Errorf("cannot extract %s", f)
}

func (s *archiveStrategy) pack(ctx context.Context, dir, dst string, f format.Format) error {
	switch f {
	case format.ZIP:
		return writeFile(dst, func(w io.Writer) error { return packZip(dir, w) })
	case format.TAR:
		return writeFile(dst, func(w io.Writer) error { return packTar(dir, w) })
	case format.GZ:
		return writeFile(dst, func(w io.Writer) error {
			gz := gzip.NewWriter(w)
			if err := packTar(dir, gz); err != nil {
				return err
			}
			return gz.Close()
		})
	case format.SevenZip, format.RAR:
		tool := s.sevenZip
		args := []string{"a", "-y"}
		if f == format.RAR {
			tool = s.rar
			args = []string{"a", "-r", "-y"}
		}
		path, err := lookup(s.runner, tool)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(dst)
		if err != nil {
			return err
		}
		return s.runner.Run(ctx, dir, path, append(args, abs, ".")...)
	}
	return fmt.Errorf("cannot pack %s", f)
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin joins an archive entry name onto dir, rejecting names that escape it
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return target, nil
}

func extractZip(src, dir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(target, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
}

func extractTar(tr *tar.Reader, dir string) error {
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		entries++

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
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			err := writeFile(target, func(w io.Writer) error {
				_, err := io.Copy(w, tr)
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	if entries == 0 {
		return errors.New("empty tar archive")
	}
	return nil
}

// extractGzip handles both tar.gz bundles and single gzip-compressed files
func extractGzip(src, name, dir string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	if err := extractTar(tar.NewReader(gz), dir); err == nil {
		return nil
	}
	gz.Close()

	if err := clearDir(dir); err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := gz.Reset(file); err != nil {
		return err
	}
	defer gz.Close()

	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." {
		base = "data"
	}
	return writeFile(filepath.Join(dir, base), func(w io.Writer) error {
		_, err := io.Copy(w, gz)
		return err
	})
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func packZip(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyInto(fw, path)
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func packTar(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return copyInto(tw, path)
	})
	if err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
