package lead

import (
	"regexp"
	"strings"

	"github.com/sells-group/permitsync/internal/model"
)

type category struct {
	service string
	pattern *regexp.Regexp
}

// categories is checked in order; the first match wins.
var categories = []category{
	{model.ServiceHVAC, wordPattern("hvac", "a/c", "air condition(ing|er)?", "heat pump", "furnace", "mechanical", "ductwork", "condenser")},
	{model.ServiceElectrical, wordPattern("electrical", "electric", "wiring", "rewire", "service panel", "breaker", "generator", "ev charger")},
	{model.ServicePlumbing, wordPattern("plumbing", "plumber", "water heater", "sewer", "gas line", "backflow", "irrigation", "repipe")},
	{model.ServiceRoofing, wordPattern("roof", "roofing", "reroof", "re-roof", "shingles?")},
	{model.ServiceSolar, wordPattern("solar", "photovoltaic", "pv system", "pv")},
	{model.ServiceGeneralContractor, wordPattern("remodel", "remodeling", "renovation", "renovate", "addition", "alteration", "new construction", "build ?out", "kitchen", "bathroom", "foundation", "repair")},
}

func wordPattern(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^a-z])(` + strings.Join(words, "|") + `)([^a-z]|$)`)
}

// Categorize assigns a service bucket from the permit's work description and
// type, defaulting to home_services.
func Categorize(workDescription, permitType string) string {
	text := strings.TrimSpace(workDescription + " " + permitType)
	if text == "" {
		return model.ServiceHomeServices
	}
	for _, c := range categories {
		if c.pattern.MatchString(text) {
			return c.service
		}
	}
	return model.ServiceHomeServices
}
