package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractZIP writes the regular-file entries of zipPath accepted by keep into
// destDir and returns their paths in archive order. Directory entries and
// macOS resource forks are never written. A nil keep accepts every file.
func ExtractZIP(zipPath, destDir string, keep func(name string) bool) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var out []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		if !filepath.IsLocal(f.Name) {
			return out, eris.Errorf("zip: illegal path %q", f.Name)
		}
		if keep != nil && !keep(path.Base(f.Name)) {
			continue
		}
		dst := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := writeZIPEntry(f, dst); err != nil {
			return out, eris.Wrapf(err, "zip: extract %s", f.Name)
		}
		out = append(out, dst)
	}
	return out, nil
}

func writeZIPEntry(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck

	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
