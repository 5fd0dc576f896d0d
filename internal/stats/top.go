package stats

import (
	"sort"

	"github.com/verte-zerg/flowguard/internal/model"
)

// WorstPrints returns up to n prints with the lowest flow quality, worst first.
// Prints without expected extrusion are skipped.
func WorstPrints(prints []model.PrintRecord, n int) []model.PrintRecord {
	if n <= 0 {
		return nil
	}
	rated := make([]model.PrintRecord, 0, len(prints))
	for _, p := range prints {
		if p.ExpectedMm > 0 {
			rated = append(rated, p)
		}
	}
	sort.SliceStable(rated, func(i, j int) bool {
		qi, qj := rated[i].FlowQuality(), rated[j].FlowQuality()
		if qi == qj {
			return rated[i].Jams > rated[j].Jams
		}
		return qi < qj
	})
	if n > len(rated) {
		n = len(rated)
	}
	return rated[:n]
}
