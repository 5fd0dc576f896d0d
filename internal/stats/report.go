package stats

import (
	"context"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

// HistoryReader is the slice of the store a report needs.
type HistoryReader interface {
	ListPrints(ctx context.Context, f model.HistoryFilter) ([]model.PrintRecord, error)
	ListEvents(ctx context.Context, from, to time.Time) ([]model.Event, error)
	ListFlowPoints(ctx context.Context, from, to time.Time) ([]model.FlowPoint, error)
}

// Report holds prints plus the detail of one selected print.
type Report struct {
	Prints   []model.PrintRecord
	Selected int
	Events   []model.Event
	Points   []model.FlowPoint
}

// Current returns the selected print.
func (r Report) Current() (model.PrintRecord, bool) {
	if r.Selected < 0 || r.Selected >= len(r.Prints) {
		return model.PrintRecord{}, false
	}
	return r.Prints[r.Selected], true
}

// BuildReport loads prints matching f and the detail of printID, or of the latest print when printID is 0.
func BuildReport(ctx context.Context, st HistoryReader, f model.HistoryFilter, printID int64) (Report, error) {
	prints, err := st.ListPrints(ctx, f)
	if err != nil {
		return Report{}, err
	}
	report := Report{Prints: prints, Selected: len(prints) - 1}
	if printID != 0 {
		report.Selected = -1
		for i, p := range prints {
			if p.ID == printID {
				report.Selected = i
				break
			}
		}
	}
	if err := LoadDetail(ctx, st, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// LoadDetail refreshes events and flow samples for the selected print.
func LoadDetail(ctx context.Context, st HistoryReader, r *Report) error {
	r.Events, r.Points = nil, nil
	p, ok := r.Current()
	if !ok {
		return nil
	}
	events, err := st.ListEvents(ctx, p.StartedAt, p.EndedAt)
	if err != nil {
		return err
	}
	points, err := st.ListFlowPoints(ctx, p.StartedAt, p.EndedAt)
	if err != nil {
		return err
	}
	r.Events = events
	r.Points = points
	return nil
}
