package permit

import "strings"

// countyByJurisdiction maps source tags and jurisdiction names to counties.
// Keys are lower-case.
var countyByJurisdiction = map[string]string{
	"tx-harris":  "Harris County",
	"tx-houston": "Harris County",
	"harris":     "Harris County",
	"houston":    "Harris County",
	"tx-austin":  "Travis County",
	"austin":     "Travis County",
	"travis":     "Travis County",
	"tx-dallas":  "Dallas County",
	"dallas":     "Dallas County",
}

// UnknownCounty is stored when no county can be resolved.
const UnknownCounty = "Unknown"

// InferCounty looks up a county for a jurisdiction name or source tag.
// "City of Houston", "Harris County" and "tx-harris" all resolve. Returns ""
// when the name is not in the table.
func InferCounty(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return ""
	}
	key = strings.TrimPrefix(key, "city of ")
	key = strings.TrimSuffix(key, " county")
	key = strings.TrimSuffix(key, ", tx")
	return countyByJurisdiction[strings.TrimSpace(key)]
}

// ResolveCounty returns the explicit county, else the county inferred from
// the jurisdiction, else from the source tag, else UnknownCounty.
func ResolveCounty(county, jurisdiction, source string) string {
	return firstNonEmpty(
		strings.TrimSpace(county),
		InferCounty(jurisdiction),
		InferCounty(source),
		UnknownCounty,
	)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
