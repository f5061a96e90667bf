package converter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const partialPrefix = ".partial-"

// tempPath returns the scratch path used while out is being produced. It sits in the same
// directory so the final rename stays on one filesystem, and keeps the extension so external
// tools can infer the output format from it.
func tempPath(out string) string {
	return filepath.Join(filepath.Dir(out), partialPrefix+filepath.Base(out))
}

// writeAtomic lets fn produce a file at a temporary path and renames it onto out when fn
// succeeds. On failure the temporary file is removed and out is left untouched.
func writeAtomic(out string, fn func(tmp string) error) error {
	tmp := tempPath(out)
	_ = os.Remove(tmp)

	if err := fn(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if _, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("no output produced: %w", err)
	}

	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// writeFileAtomic is writeAtomic for producers that write to an io.Writer
func writeFileAtomic(out string, fn func(w io.Writer) error) error {
	return writeAtomic(out, func(tmp string) error {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}

		bw := bufio.NewWriter(f)
		if err := fn(bw); err != nil {
			f.Close()
			return err
		}
		if err := bw.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("failed to flush output: %w", err)
		}
		return f.Close()
	})
}

// copyFile copies src to dst atomically
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	return writeFileAtomic(dst, func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("failed to copy input: %w", err)
		}
		return nil
	})
}
