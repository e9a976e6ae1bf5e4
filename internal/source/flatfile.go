package source

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/fetcher"
)

// Downloader saves a remote file to disk.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL, path string) (int64, error)
}

// FlatFile reads CSV, XLSX and ZIP drops from a staging directory. When URL
// is set the export is downloaded into the directory first. Every file in the
// directory is re-read on each run; upserts make that idempotent.
type FlatFile struct {
	*Normalizer
	cfg Config
	dl  Downloader
}

// NewFlatFile creates a flat file adapter. dl may be nil when cfg.URL is empty.
func NewFlatFile(cfg Config, dl Downloader, n *Normalizer) *FlatFile {
	return &FlatFile{Normalizer: n, cfg: cfg, dl: dl}
}

func (a *FlatFile) Name() string { return a.cfg.Name }

func (a *FlatFile) Kind() Kind { return KindFlatFile }

func (a *FlatFile) Fetch(ctx context.Context, _ Window) ([]Chunk, error) {
	log := zap.L().With(zap.String("component", "source.flat_file"), zap.String("source", a.cfg.Name))

	dir := a.cfg.StagingDir
	if dir == "" {
		return nil, &FetchError{Source: a.cfg.Name, Err: eris.New("source: staging_dir is not set")}
	}

	if a.cfg.URL != "" {
		if a.dl == nil {
			return nil, &FetchError{Source: a.cfg.Name, Err: eris.New("source: no downloader for url")}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &FetchError{Source: a.cfg.Name, Err: eris.Wrap(err, "source: create staging dir")}
		}
		dest := filepath.Join(dir, downloadName(a.cfg.URL))
		n, err := a.dl.DownloadToFile(ctx, a.cfg.URL, dest)
		if err != nil {
			return nil, newFetchError(a.cfg.Name, err)
		}
		log.Info("downloaded export", zap.String("file", filepath.Base(dest)), zap.Int64("bytes", n))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &FetchError{Source: a.cfg.Name, Err: eris.Wrap(err, "source: read staging dir")}
	}

	var chunks []Chunk
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Source: a.cfg.Name, Err: eris.Wrap(err, "source: staging read cancelled")}
		}
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if strings.EqualFold(filepath.Ext(p), ".zip") {
			zipped, err := readZIP(p)
			if err != nil {
				return nil, &FetchError{Source: a.cfg.Name, Err: err}
			}
			chunks = append(chunks, zipped...)
			continue
		}
		c, ok, err := readStaged(p, e.Name())
		if err != nil {
			return nil, &FetchError{Source: a.cfg.Name, Err: err}
		}
		if ok {
			chunks = append(chunks, c)
		}
	}

	log.Info("staging read", zap.String("dir", dir), zap.Int("files", len(chunks)))
	return chunks, nil
}

func (a *FlatFile) Parse(ctx context.Context, c Chunk) (*ParseResult, error) {
	switch c.Format {
	case FormatCSV:
		return parseCSV(ctx, c, a.cfg.Encoding)
	case FormatXLSX:
		return parseXLSX(c, a.cfg.Sheet)
	default:
		return nil, eris.Errorf("source: unsupported flat file format %q", c.Format)
	}
}

func formatFor(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, true
	case ".xlsx":
		return FormatXLSX, true
	}
	return "", false
}

// readStaged loads a CSV or XLSX file. Other files are ignored.
func readStaged(p, name string) (Chunk, bool, error) {
	format, ok := formatFor(p)
	if !ok {
		return Chunk{}, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Chunk{}, false, eris.Wrapf(err, "source: read %s", name)
	}
	return Chunk{Name: name, Format: format, Data: data}, true, nil
}

// readZIP extracts the CSV and XLSX members of an archive to a temp dir and
// loads them.
func readZIP(p string) ([]Chunk, error) {
	tmp, err := os.MkdirTemp("", "permitsync-zip-*")
	if err != nil {
		return nil, eris.Wrap(err, "source: create temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	files, err := fetcher.ExtractZIP(p, tmp, func(name string) bool {
		_, ok := formatFor(name)
		return ok
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source: extract %s", filepath.Base(p))
	}
	sort.Strings(files)

	var chunks []Chunk
	for _, f := range files {
		rel, err := filepath.Rel(tmp, f)
		if err != nil {
			rel = filepath.Base(f)
		}
		c, ok, err := readStaged(f, filepath.Base(p)+"/"+filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}
		if ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

func downloadName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download.csv"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "download.csv"
	}
	if _, ok := formatFor(base); !ok && !strings.EqualFold(path.Ext(base), ".zip") {
		return base + ".csv"
	}
	return base
}
