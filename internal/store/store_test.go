package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "flowguard.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	return s
}

func TestCalibrationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCalibration(ctx); err != nil || ok {
		t.Fatalf("expected no calibration in a fresh store, got ok=%v err=%v", ok, err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveCalibration(ctx, model.Calibration{MmPerPulse: 3.01, AutoCalibrate: true, UpdatedAt: at}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCalibration(ctx, model.Calibration{MmPerPulse: 2.95, UpdatedAt: at.Add(time.Hour)}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	cal, ok, err := s.LoadCalibration(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if cal.MmPerPulse != 2.95 || cal.AutoCalibrate || !cal.UpdatedAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("unexpected calibration %+v", cal)
	}

	if err := s.SaveCalibration(ctx, model.Calibration{MmPerPulse: 0}); err == nil {
		t.Fatalf("expected error for non-positive mm per pulse")
	}
	if err := s.ResetCalibration(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok, _ := s.LoadCalibration(ctx); ok {
		t.Fatalf("expected calibration removed after reset")
	}
}

func TestPrintsOrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * 2 * time.Hour)
		rec := model.PrintRecord{
			StartedAt:  start,
			EndedAt:    start.Add(time.Hour + time.Duration(i)*time.Millisecond*500),
			EndStatus:  model.PrintComplete,
			Filename:   "part.gcode",
			ExpectedMm: 1000,
			ActualMm:   960,
			Pulses:     333,
			MmPerPulse: 2.88,
			Jams:       i,
		}
		if _, err := s.InsertPrint(ctx, rec); err != nil {
			t.Fatalf("insert print %d: %v", i, err)
		}
	}

	all, err := s.ListPrints(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Jams != 0 || all[2].Jams != 2 {
		t.Fatalf("expected three prints oldest first, got %+v", all)
	}
	if all[1].Pulses != 333 || all[1].EndStatus != model.PrintComplete || all[1].ID == 0 {
		t.Fatalf("unexpected decoded print %+v", all[1])
	}

	last, err := s.ListPrints(ctx, model.HistoryFilter{Last: 2})
	if err != nil || len(last) != 2 || last[0].Jams != 1 {
		t.Fatalf("expected the two most recent prints, got %+v %v", last, err)
	}

	since := base.Add(3 * time.Hour)
	recent, err := s.ListPrints(ctx, model.HistoryFilter{Since: &since})
	if err != nil || len(recent) != 2 {
		t.Fatalf("expected prints ended after %s, got %+v %v", since, recent, err)
	}

	p, ok, err := s.LastPrint(ctx)
	if err != nil || !ok || p.Jams != 2 {
		t.Fatalf("unexpected last print %+v %v %v", p, ok, err)
	}
}

func TestEventsAndFlowPointsByRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	events := []model.Event{
		{At: base.Add(time.Second), Kind: model.EventJam, Detail: "hard", PassRatio: 0.05, HardPct: 100, Pulses: 12},
		{At: base.Add(1500 * time.Millisecond), Kind: model.EventPause, Detail: "jam"},
		{At: base.Add(time.Hour), Kind: model.EventRunout},
	}
	for _, e := range events {
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	got, err := s.ListEvents(ctx, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 2 || got[0].Kind != model.EventJam || got[1].Kind != model.EventPause {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[0].Pulses != 12 || got[0].HardPct != 100 || got[0].Detail != "hard" {
		t.Fatalf("unexpected event fields %+v", got[0])
	}

	var points []model.FlowPoint
	for i := 0; i < 5; i++ {
		points = append(points, model.FlowPoint{
			At:         base.Add(time.Duration(i) * 250 * time.Millisecond),
			ExpectedMm: float64(i) * 2,
			ActualMm:   float64(i) * 1.8,
			PassRatio:  0.9,
		})
	}
	if err := s.InsertFlowPoints(ctx, points); err != nil {
		t.Fatalf("insert points: %v", err)
	}
	if err := s.InsertFlowPoints(ctx, nil); err != nil {
		t.Fatalf("insert empty batch: %v", err)
	}
	stored, err := s.ListFlowPoints(ctx, base, base.Add(time.Second))
	if err != nil {
		t.Fatalf("list points: %v", err)
	}
	if len(stored) != 5 || stored[4].ExpectedMm != 8 {
		t.Fatalf("unexpected points %+v", stored)
	}
	for i := 1; i < len(stored); i++ {
		if !stored[i].At.After(stored[i-1].At) {
			t.Fatalf("expected points in time order")
		}
	}

	removed, err := s.PruneFlowPoints(ctx, base.Add(500*time.Millisecond))
	if err != nil || removed != 2 {
		t.Fatalf("expected two points pruned, got %d %v", removed, err)
	}
}
