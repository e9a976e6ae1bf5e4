package source

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/permitsync/internal/alias"
	"github.com/sells-group/permitsync/internal/model"
)

// ErrNoIdentity is returned for a record with no source_record_id, permit_id
// or permit_number.
var ErrNoIdentity = eris.New("source: record has no identifier")

// Normalizer maps raw records of one source onto model.Permit through the
// alias resolver. It is shared by every adapter kind.
type Normalizer struct {
	source       string
	jurisdiction string
	resolver     *alias.Resolver
}

// NewNormalizer creates a normalizer. jurisdiction is used when a record
// carries none. A nil resolver means alias.Default().
func NewNormalizer(source, jurisdiction string, r *alias.Resolver) *Normalizer {
	if r == nil {
		r = alias.Default()
	}
	return &Normalizer{source: source, jurisdiction: jurisdiction, resolver: r}
}

// Normalize builds the canonical permit. Unparseable numbers and dates become
// nil; only a record without any identifier is rejected.
func (n *Normalizer) Normalize(rec model.RawRecord) (*model.Permit, error) {
	str := func(f alias.Field) string { return clean(n.resolver.String(rec, f)) }

	p := &model.Permit{
		Source:          n.source,
		PermitID:        str(alias.PermitID),
		PermitNumber:    str(alias.PermitNumber),
		Jurisdiction:    firstNonBlank(str(alias.Jurisdiction), n.jurisdiction),
		County:          str(alias.County),
		Status:          str(alias.Status),
		PermitType:      str(alias.PermitType),
		WorkDescription: str(alias.WorkDescription),
		Address:         str(alias.Address),
		City:            titleCity(str(alias.City)),
		State:           strings.ToUpper(str(alias.State)),
		Zipcode:         str(alias.Zipcode),
		ApplicantName:   str(alias.ApplicantName),
		OwnerName:       str(alias.OwnerName),
		ContractorName:  str(alias.ContractorName),
		Latitude:        ParseNumber(n.resolver.Resolve(rec, alias.Latitude)),
		Longitude:       ParseNumber(n.resolver.Resolve(rec, alias.Longitude)),
		Valuation:       ParseNumber(n.resolver.Resolve(rec, alias.Valuation)),
		IssuedDate:      ParseTime(n.resolver.Resolve(rec, alias.IssuedDate)),
		ApplicationDate: ParseTime(n.resolver.Resolve(rec, alias.ApplicationDate)),
	}
	p.SourceRecordID = firstNonBlank(str(alias.SourceRecordID), p.PermitID, p.PermitNumber)
	if p.SourceRecordID == "" {
		return nil, ErrNoIdentity
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrapf(err, "source: encode raw record %s", p.SourceRecordID)
	}
	p.RawData = raw
	return p, nil
}

// ParseNumber coerces a raw value to a float. Currency symbols and thousands
// separators are ignored. Anything unparseable is nil.
func ParseNumber(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return nil
		}
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(t))
		if s == "" {
			return nil
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return nil
		}
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006",
	"20060102",
}

// ParseTime accepts ISO-8601 style strings, US dates, compact yyyymmdd and
// epoch milliseconds (numbers or longer digit strings). Results are UTC;
// anything else is nil.
func ParseTime(v any) *time.Time {
	switch t := v.(type) {
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return epochMillis(ms)
		}
		if f, err := t.Float64(); err == nil {
			return epochMillis(int64(f))
		}
		return nil
	case float64:
		return epochMillis(int64(t))
	case int64:
		return epochMillis(t)
	case int:
		return epochMillis(int64(t))
	case time.Time:
		u := t.UTC()
		return &u
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if isDigits(s) && len(s) > len("20060102") {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil
			}
			return epochMillis(ms)
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				u := parsed.UTC()
				return &u
			}
		}
	}
	return nil
}

func epochMillis(ms int64) *time.Time {
	t := time.UnixMilli(ms).UTC()
	return &t
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// clean trims and collapses internal whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// titleCity rewrites all-caps city names ("HOUSTON") in title case. Mixed
// case is left alone so names like "McAllen" survive.
func titleCity(s string) string {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return s
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	if !hasLetter {
		return s
	}
	return cases.Title(language.English).String(strings.ToLower(s))
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
