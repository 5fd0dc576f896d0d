package stats

import (
	"sort"
	"strings"

	"github.com/verte-zerg/flowguard/internal/model"
)

// CauseCount is how often a jam cause was seen.
type CauseCount struct {
	Cause string
	Count int
}

// JamCauses counts jam events by cause, most frequent first.
func JamCauses(events []model.Event) []CauseCount {
	counts := map[string]int{}
	for _, e := range events {
		if e.Kind != model.EventJam {
			continue
		}
		cause, _, _ := strings.Cut(e.Detail, " ")
		if cause == "" {
			cause = "unknown"
		}
		counts[cause]++
	}
	out := make([]CauseCount, 0, len(counts))
	for cause, n := range counts {
		out = append(out, CauseCount{Cause: cause, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Cause < out[j].Cause
		}
		return out[i].Count > out[j].Count
	})
	return out
}
