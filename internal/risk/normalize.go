// Package risk extracts the risk level a model appends to its answer and
// strips the marker from the text shown to users.
package risk

import (
	"strings"

	"github.com/sells-group/risk-analyzer/internal/model"
)

// Marker tokens, English and Spanish. Models asked in one language
// frequently answer in the other.
var markers = []string{"RISK:", "RIESGO:"}

// levelKeywords is checked in order; the first group with a hit wins.
var levelKeywords = []struct {
	level model.Risk
	words []string
}{
	{model.RiskHigh, []string{"HIGH", "ALTO"}},
	{model.RiskLow, []string{"LOW", "BAJO"}},
	{model.RiskMedium, []string{"MEDIUM", "MEDIO"}},
	{model.RiskUnevaluated, []string{"NOT EVALUATED", "NO EVALUADO", "SIN EVALUAR"}},
}

// Assessment is a normalized model answer.
type Assessment struct {
	Answer string
	Level  model.Risk
	// Conflicting is set when marker lines name different levels. Level
	// always comes from the first one.
	Conflicting bool
	// Found is false when no marker line was present and Level is the default.
	Found bool
}

// Normalize parses raw and returns the cleaned answer plus its risk level.
// Every line containing a marker token is removed from the answer. Without a
// marker the level defaults to Medio.
func Normalize(raw string) Assessment {
	out := Assessment{Level: model.RiskMedium}

	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	var seen model.Risk
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !isMarkerLine(upper) {
			kept = append(kept, line)
			continue
		}

		level, ok := classify(upper)
		if !out.Found {
			out.Found = true
			if ok {
				out.Level = level
				seen = level
			}
			continue
		}
		if ok {
			if seen == "" {
				seen = level
			} else if level != seen {
				out.Conflicting = true
			}
		}
	}

	out.Answer = strings.TrimSpace(strings.Join(kept, "\n"))
	return out
}

// Level returns only the risk level of raw.
func Level(raw string) model.Risk {
	return Normalize(raw).Level
}

func isMarkerLine(upper string) bool {
	for _, m := range markers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

func classify(upper string) (model.Risk, bool) {
	for _, group := range levelKeywords {
		for _, w := range group.words {
			if strings.Contains(upper, w) {
				return group.level, true
			}
		}
	}
	return "", false
}
