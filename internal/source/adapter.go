// Package source implements the per-protocol adapters that pull permits from
// municipal feeds. Every adapter runs the same three stages: Fetch raw
// payload chunks, Parse them into loose records, Normalize each record into
// a model.Permit. Callers never branch on the concrete adapter.
package source

import (
	"context"
	"time"

	"github.com/sells-group/permitsync/internal/model"
)

// Kind names an upstream protocol family.
type Kind string

const (
	// KindQueryAPI is a Socrata-style dataset query API (Austin, Dallas).
	KindQueryAPI Kind = "query_api"
	// KindFeatureService is an ArcGIS-style feature server (Harris County).
	KindFeatureService Kind = "feature_service"
	// KindFlatFile is a directory of CSV/XLSX drops (Houston).
	KindFlatFile Kind = "flat_file"
)

// Format is the wire format of a Chunk.
type Format string

const (
	FormatJSON   Format = "json"
	FormatArcGIS Format = "arcgis"
	FormatCSV    Format = "csv"
	FormatXLSX   Format = "xlsx"
)

// Window bounds a fetch. Since is the lower bound of the source timestamp.
type Window struct {
	Since time.Time
}

// Chunk is one raw payload: an API page or a staged file.
type Chunk struct {
	Name   string
	Format Format
	Data   []byte
	// Truncated marks the last page of a fetch that MaxRecords stopped while
	// upstream still had matching records.
	Truncated bool
}

// Truncated reports whether any chunk of a fetch was cut short by the
// record cap.
func Truncated(chunks []Chunk) bool {
	for _, c := range chunks {
		if c.Truncated {
			return true
		}
	}
	return false
}

// Skipped is a malformed record dropped by Parse.
type Skipped struct {
	Ref string
	Err error
}

// ParseResult holds the records of one chunk and the ones that were skipped.
type ParseResult struct {
	Records []model.RawRecord
	Refs    []string
	Skipped []Skipped
}

func (r *ParseResult) add(ref string, rec model.RawRecord) {
	r.Records = append(r.Records, rec)
	r.Refs = append(r.Refs, ref)
}

func (r *ParseResult) skip(ref string, err error) {
	r.Skipped = append(r.Skipped, Skipped{Ref: ref, Err: err})
}

// Adapter is the uniform contract over all upstream protocols.
type Adapter interface {
	Name() string
	Kind() Kind
	// Fetch performs the network or disk I/O for window w. Failures are
	// returned as *FetchError after retries are exhausted.
	Fetch(ctx context.Context, w Window) ([]Chunk, error)
	// Parse turns a chunk into raw records. Malformed records are skipped
	// and reported; an error means the whole chunk is unreadable.
	Parse(ctx context.Context, c Chunk) (*ParseResult, error)
	// Normalize maps one raw record to the canonical permit.
	Normalize(rec model.RawRecord) (*model.Permit, error)
}

// Config describes one configured source.
type Config struct {
	Name         string              `yaml:"name" mapstructure:"name"`
	Kind         Kind                `yaml:"kind" mapstructure:"kind"`
	URL          string              `yaml:"url" mapstructure:"url"`
	Token        string              `yaml:"token" mapstructure:"token"`
	DateField    string              `yaml:"date_field" mapstructure:"date_field"`
	PageSize     int                 `yaml:"page_size" mapstructure:"page_size"`
	MaxRecords   int                 `yaml:"max_records" mapstructure:"max_records"`
	StagingDir   string              `yaml:"staging_dir" mapstructure:"staging_dir"`
	Jurisdiction string              `yaml:"jurisdiction" mapstructure:"jurisdiction"`
	Encoding     string              `yaml:"encoding" mapstructure:"encoding"`
	Sheet        string              `yaml:"sheet" mapstructure:"sheet"`
	Aliases      map[string][]string `yaml:"aliases" mapstructure:"aliases"`
}
