package monitor

import (
	"context"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
)

const (
	recordQueue  = 256
	writeTimeout = 5 * time.Second
	flowBatch    = 20
)

// HistoryStore persists session history.
type HistoryStore interface {
	InsertPrint(ctx context.Context, p model.PrintRecord) (int64, error)
	InsertEvent(ctx context.Context, e model.Event) error
	InsertFlowPoints(ctx context.Context, points []model.FlowPoint) error
}

type record struct {
	event  *model.Event
	print  *model.PrintRecord
	points []model.FlowPoint
}

// storeRecorder queues history writes so the monitor loop never waits on disk.
type storeRecorder struct {
	store HistoryStore
	log   policy.Logger
	queue chan record

	pending []model.FlowPoint
}

func newStoreRecorder(store HistoryStore, log policy.Logger) *storeRecorder {
	return &storeRecorder{store: store, log: log, queue: make(chan record, recordQueue)}
}

func (r *storeRecorder) RecordEvent(e model.Event) {
	r.enqueue(record{event: &e})
}

func (r *storeRecorder) RecordPrint(p model.PrintRecord) {
	// Samples from the finished print go out before its summary.
	r.flushPoints()
	r.enqueue(record{print: &p})
}

// addPoint buffers a flow sample and writes full batches.
func (r *storeRecorder) addPoint(p model.FlowPoint) {
	r.pending = append(r.pending, p)
	if len(r.pending) >= flowBatch {
		r.flushPoints()
	}
}

func (r *storeRecorder) flushPoints() {
	if len(r.pending) == 0 {
		return
	}
	r.enqueue(record{points: r.pending})
	r.pending = nil
}

func (r *storeRecorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		r.log.Logf("History write queue full, dropping record")
	}
}

// run writes queued records until ctx is done, then drains what is left.
func (r *storeRecorder) run(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *storeRecorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	switch {
	case rec.event != nil:
		if err := r.store.InsertEvent(ctx, *rec.event); err != nil {
			r.log.Logf("Failed to store event %s: %v", rec.event.Kind, err)
		}
	case rec.print != nil:
		if _, err := r.store.InsertPrint(ctx, *rec.print); err != nil {
			r.log.Logf("Failed to store print summary: %v", err)
		}
	case len(rec.points) > 0:
		if err := r.store.InsertFlowPoints(ctx, rec.points); err != nil {
			r.log.Logf("Failed to store %d flow samples: %v", len(rec.points), err)
		}
	}
}

// fanout delivers history to several recorders.
type fanout []policy.Recorder

func (f fanout) RecordEvent(e model.Event) {
	for _, r := range f {
		r.RecordEvent(e)
	}
}

func (f fanout) RecordPrint(p model.PrintRecord) {
	for _, r := range f {
		r.RecordPrint(p)
	}
}
