package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/fetcher"
	"github.com/sells-group/permitsync/internal/model"
)

const (
	// DefaultFeaturePageSize is the ArcGIS resultRecordCount.
	DefaultFeaturePageSize = 2000
	defaultFeatureDateField = "ISSUEDDATE"

	arcgisTimeFormat = "2006-01-02 15:04:05"
)

// FeatureService reads an ArcGIS feature layer query endpoint with
// `where DATE > TIMESTAMP 'since'` and returnGeometry=false. Dates come back
// as epoch milliseconds.
type FeatureService struct {
	*Normalizer
	cfg  Config
	http fetcher.Fetcher
}

// NewFeatureService creates a feature service adapter. cfg.URL is the layer
// query endpoint (".../FeatureServer/0/query").
func NewFeatureService(cfg Config, f fetcher.Fetcher, n *Normalizer) *FeatureService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultFeaturePageSize
	}
	if cfg.DateField == "" {
		cfg.DateField = defaultFeatureDateField
	}
	return &FeatureService{Normalizer: n, cfg: cfg, http: f}
}

func (a *FeatureService) Name() string { return a.cfg.Name }

func (a *FeatureService) Kind() Kind { return KindFeatureService }

type arcgisError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type arcgisPage struct {
	Features              []json.RawMessage `json:"features"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
	Error                 *arcgisError      `json:"error"`
}

type arcgisFeature struct {
	Attributes model.RawRecord `json:"attributes"`
	Properties model.RawRecord `json:"properties"`
}

func (a *FeatureService) Fetch(ctx context.Context, w Window) ([]Chunk, error) {
	log := zap.L().With(zap.String("component", "source.feature_service"), zap.String("source", a.cfg.Name))

	var chunks []Chunk
	total := 0
	for {
		count := a.cfg.PageSize
		if a.cfg.MaxRecords > 0 && a.cfg.MaxRecords-total < count {
			count = a.cfg.MaxRecords - total
		}
		if count <= 0 {
			// Only reached after a page that reported exceededTransferLimit.
			if len(chunks) > 0 {
				chunks[len(chunks)-1].Truncated = true
			}
			log.Warn("max_records reached", zap.Int("max_records", a.cfg.MaxRecords))
			break
		}

		body, err := a.http.Get(ctx, a.pageURL(w, count, total), nil)
		if err != nil {
			return nil, newFetchError(a.cfg.Name, err)
		}
		page, err := fetcher.DecodeJSON[arcgisPage](body)
		if err != nil {
			return nil, &FetchError{Source: a.cfg.Name, Err: eris.Wrapf(err, "source: decode page at offset %d", total)}
		}
		// ArcGIS reports query errors in-band with HTTP 200
		if page.Error != nil {
			return nil, &FetchError{
				Source: a.cfg.Name,
				Status: page.Error.Code,
				Err:    eris.Errorf("arcgis error %d: %s", page.Error.Code, page.Error.Message),
			}
		}

		chunks = append(chunks, Chunk{Name: fmt.Sprintf("offset-%d", total), Format: FormatArcGIS, Data: body})
		total += len(page.Features)
		log.Debug("fetched page", zap.Int("features", len(page.Features)), zap.Int("total", total))

		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			break
		}
	}

	log.Info("fetch complete", zap.Int("pages", len(chunks)), zap.Int("records", total),
		zap.Time("since", w.Since), zap.Bool("truncated", Truncated(chunks)))
	return chunks, nil
}

func (a *FeatureService) pageURL(w Window, count, offset int) string {
	q := url.Values{}
	q.Set("where", fmt.Sprintf("%s > TIMESTAMP '%s'", a.cfg.DateField, w.Since.UTC().Format(arcgisTimeFormat)))
	q.Set("outFields", "*")
	q.Set("returnGeometry", "false")
	q.Set("orderByFields", a.cfg.DateField+" ASC")
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(count))
	q.Set("f", "json")
	return a.cfg.URL + "?" + q.Encode()
}

// Parse accepts both Esri JSON (attributes) and GeoJSON (properties).
func (a *FeatureService) Parse(_ context.Context, c Chunk) (*ParseResult, error) {
	page, err := fetcher.DecodeJSON[arcgisPage](c.Data)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse %s", c.Name)
	}

	res := &ParseResult{}
	for i, raw := range page.Features {
		ref := fmt.Sprintf("%s#%d", c.Name, i)
		f, err := fetcher.DecodeJSON[arcgisFeature](raw)
		if err != nil {
			res.skip(ref, eris.Wrap(err, "source: feature is not an object"))
			continue
		}
		rec := f.Attributes
		if rec == nil {
			rec = f.Properties
		}
		if rec == nil {
			res.skip(ref, eris.New("source: feature has no attributes"))
			continue
		}
		res.add(ref, rec)
	}
	return res, nil
}
