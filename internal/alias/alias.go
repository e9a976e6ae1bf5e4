// Package alias maps the many field names upstream permit sources use onto the
// canonical permit field names.
package alias

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/permitsync/internal/model"
)

// Field is a canonical permit field name.
type Field string

const (
	SourceRecordID  Field = "source_record_id"
	PermitID        Field = "permit_id"
	PermitNumber    Field = "permit_number"
	Jurisdiction    Field = "jurisdiction"
	County          Field = "county"
	Status          Field = "status"
	PermitType      Field = "permit_type"
	WorkDescription Field = "work_description"
	Address         Field = "address"
	City            Field = "city"
	State           Field = "state"
	Zipcode         Field = "zipcode"
	Latitude        Field = "latitude"
	Longitude       Field = "longitude"
	ApplicantName   Field = "applicant_name"
	OwnerName       Field = "owner_name"
	ContractorName  Field = "contractor_name"
	Valuation       Field = "valuation"
	IssuedDate      Field = "issued_date"
	ApplicationDate Field = "application_date"
)

// Fields lists every canonical field in a stable order.
var Fields = []Field{
	SourceRecordID, PermitID, PermitNumber, Jurisdiction, County, Status,
	PermitType, WorkDescription, Address, City, State, Zipcode, Latitude,
	Longitude, ApplicantName, OwnerName, ContractorName, Valuation,
	IssuedDate, ApplicationDate,
}

//go:embed aliases.yaml
var defaultAliases []byte

var (
	defaultOnce     sync.Once
	defaultResolver *Resolver
)

// Resolver holds, per canonical field, the ordered list of acceptable
// upstream field names. A Resolver is immutable and safe for concurrent use.
type Resolver struct {
	aliases map[Field][]string
}

// Default returns the resolver built from the embedded alias table.
func Default() *Resolver {
	defaultOnce.Do(func() {
		r, err := Load(defaultAliases)
		if err != nil {
			panic(fmt.Sprintf("alias: embedded alias table: %v", err))
		}
		defaultResolver = r
	})
	return defaultResolver
}

// Load parses a YAML alias table of the form `field: [alias, alias, ...]`.
func Load(data []byte) (*Resolver, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "alias: parse table")
	}
	m := make(map[Field][]string, len(raw))
	for k, v := range raw {
		f := Field(k)
		if !isKnown(f) {
			return nil, eris.Errorf("alias: unknown canonical field %q", k)
		}
		m[f] = append([]string(nil), v...)
	}
	return &Resolver{aliases: m}, nil
}

// With returns a copy of r where the given aliases take priority over the
// existing ones for their field.
func (r *Resolver) With(overrides map[Field][]string) *Resolver {
	m := make(map[Field][]string, len(r.aliases))
	for f, a := range r.aliases {
		m[f] = a
	}
	for f, extra := range overrides {
		merged := make([]string, 0, len(extra)+len(m[f]))
		merged = append(merged, extra...)
		for _, a := range m[f] {
			if !contains(extra, a) {
				merged = append(merged, a)
			}
		}
		m[f] = merged
	}
	return &Resolver{aliases: m}
}

// Aliases returns the ordered aliases configured for a field.
func (r *Resolver) Aliases(f Field) []string {
	out := make([]string, len(r.aliases[f]))
	copy(out, r.aliases[f])
	return out
}

// Resolve returns the value of the first alias present in rec with a
// non-blank value, or nil. Exact key matches win over case-insensitive ones
// so an unrelated field that differs only by case is never preferred.
func (r *Resolver) Resolve(rec model.RawRecord, f Field) any {
	aliases := r.aliases[f]
	for _, a := range aliases {
		if v, ok := rec[a]; ok && present(v) {
			return v
		}
	}

	var keys []string
	for _, a := range aliases {
		if keys == nil {
			keys = sortedKeys(rec)
		}
		for _, k := range keys {
			if k != a && strings.EqualFold(k, a) && present(rec[k]) {
				return rec[k]
			}
		}
	}
	return nil
}

// String resolves f and renders the value as a trimmed string ("" if absent).
func (r *Resolver) String(rec model.RawRecord, f Field) string {
	return Stringify(r.Resolve(rec, f))
}

// Stringify renders a raw value as a trimmed string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case json.Number:
		return t != ""
	default:
		return true
	}
}

func sortedKeys(rec model.RawRecord) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isKnown(f Field) bool {
	for _, k := range Fields {
		if k == f {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParseOverrides converts a config alias map keyed by field name, rejecting
// names that are not canonical fields.
func ParseOverrides(raw map[string][]string) (map[Field][]string, error) {
	out := make(map[Field][]string, len(raw))
	for k, v := range raw {
		f := Field(k)
		if !isKnown(f) {
			return nil, eris.Errorf("alias: unknown canonical field %q", k)
		}
		out[f] = v
	}
	return out, nil
}
