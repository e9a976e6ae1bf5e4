package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/permitsync/internal/fetcher"
	"github.com/sells-group/permitsync/internal/model"
)

// parseJSONArray reads a JSON array of objects. Elements that are not
// objects are skipped.
func parseJSONArray(ctx context.Context, c Chunk) (*ParseResult, error) {
	res := &ParseResult{}
	i := 0
	for item, err := range fetcher.JSONElements[json.RawMessage](ctx, bytes.NewReader(c.Data)) {
		if err != nil {
			return nil, eris.Wrapf(err, "source: parse %s", c.Name)
		}
		ref := fmt.Sprintf("%s#%d", c.Name, i)
		i++
		rec, err := decodeObject(item)
		if err != nil {
			res.skip(ref, err)
			continue
		}
		res.add(ref, rec)
	}
	return res, nil
}

// decodeObject decodes one JSON object with numbers kept as json.Number.
func decodeObject(data []byte) (model.RawRecord, error) {
	rec, err := fetcher.DecodeJSON[model.RawRecord](data)
	if err != nil {
		return nil, eris.Wrap(err, "source: record is not an object")
	}
	if rec == nil {
		return nil, eris.New("source: record is null")
	}
	return rec, nil
}

// decodeReader wraps r in a charset decoder for the named encoding
// ("windows-1252", "latin1"). Empty or utf-8 returns r unchanged.
func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "source: unknown encoding %q", encoding)
	}
	return enc.NewDecoder().Reader(r), nil
}

// parseCSV reads a CSV chunk with a header row. Malformed rows are skipped.
func parseCSV(ctx context.Context, c Chunk, encoding string) (*ParseResult, error) {
	r, err := decodeReader(bytes.NewReader(c.Data), encoding)
	if err != nil {
		return nil, err
	}
	headerCh := make(chan []string, 1)
	rowCh, rowErrCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	res := &ParseResult{}
	var header []string
	n := 0
	for rowCh != nil || rowErrCh != nil {
		select {
		case row, ok := <-rowCh:
			if !ok {
				rowCh = nil
				continue
			}
			if header == nil {
				header = normalizeHeader(<-headerCh)
			}
			n++
			res.add(fmt.Sprintf("%s:row%d", c.Name, n), rowRecord(header, row))
		case re, ok := <-rowErrCh:
			if !ok {
				rowErrCh = nil
				continue
			}
			res.skip(fmt.Sprintf("%s:line%d", c.Name, re.Line), re)
		}
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "source: parse %s", c.Name)
	}
	return res, nil
}

// parseXLSX reads the first (or named) sheet, first row as header.
func parseXLSX(c Chunk, sheet string) (*ParseResult, error) {
	rows, err := fetcher.ReadXLSX(c.Data, fetcher.XLSXOptions{SheetName: sheet})
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse %s", c.Name)
	}
	res := &ParseResult{}
	if len(rows) == 0 {
		return res, nil
	}
	header := normalizeHeader(rows[0])
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		res.add(fmt.Sprintf("%s:row%d", c.Name, i+1), rowRecord(header, row))
	}
	return res, nil
}

func normalizeHeader(h []string) []string {
	out := make([]string, len(h))
	for i, name := range h {
		out[i] = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	}
	return out
}

// rowRecord zips a row with the header. Extra cells without a header name
// are dropped.
func rowRecord(header, row []string) model.RawRecord {
	rec := make(model.RawRecord, len(header))
	for i, name := range header {
		if name == "" {
			continue
		}
		if i < len(row) {
			rec[name] = row[i]
		} else {
			rec[name] = ""
		}
	}
	return rec
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
