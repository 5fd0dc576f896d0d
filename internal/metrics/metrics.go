// Package metrics exports session state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
)

const namespace = "flowguard"

// DefaultPath is where the exposition is served.
const DefaultPath = "/metrics"

// Metrics holds the collectors fed by the monitor.
type Metrics struct {
	registry *prometheus.Registry

	Connected     prometheus.Gauge
	Printing      prometheus.Gauge
	Jammed        prometheus.Gauge
	Runout        prometheus.Gauge
	TelemetryLost prometheus.Gauge
	GraceState    prometheus.Gauge
	PassRatio     prometheus.Gauge
	DeficitMm     prometheus.Gauge
	JamPercent    *prometheus.GaugeVec
	WindowMm      *prometheus.GaugeVec
	PrintMm       *prometheus.GaugeVec
	MmPerPulse    prometheus.Gauge
	Pulses        prometheus.Counter
	Events        *prometheus.CounterVec
	Prints        *prometheus.CounterVec

	mu         sync.Mutex
	lastPulses uint64
}

// New creates the collectors and registers them in a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "connected",
			Help:      "Printer link status (0=down, 1=up)",
		}),
		Printing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "printing",
			Help:      "Whether the printer is actively printing",
		}),
		Jammed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jam",
			Name:      "jammed",
			Help:      "Whether a jam is currently detected",
		}),
		Runout: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "runout",
			Help:      "Runout switch state (1=no filament)",
		}),
		TelemetryLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "printer",
			Name:      "telemetry_lost",
			Help:      "Whether extrusion telemetry has gone stale during a print",
		}),
		GraceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jam",
			Name:      "grace_state",
			Help:      "Detector state (0=idle, 1=start, 2=resume, 3=active, 4=jammed)",
		}),
		PassRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "pass_ratio",
			Help:      "Windowed sensor distance over expected distance",
		}),
		DeficitMm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "deficit_millimeters",
			Help:      "Windowed expected minus sensor distance",
		}),
		JamPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jam",
			Name:      "progress_percent",
			Help:      "Accumulated jam time as a percentage of the trip time",
		}, []string{"channel"}),
		WindowMm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "window_millimeters",
			Help:      "Distance inside the sliding window",
		}, []string{"source"}),
		PrintMm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "print",
			Name:      "filament_millimeters",
			Help:      "Distance since the print started",
		}, []string{"source"}),
		MmPerPulse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "mm_per_pulse",
			Help:      "Active sensor calibration",
		}),
		Pulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "pulses_total",
			Help:      "Motion sensor pulses counted while printing",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Monitor events by kind",
		}, []string{"kind"}),
		Prints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prints",
			Name:      "total",
			Help:      "Finished prints by final status",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.Connected, m.Printing, m.Jammed, m.Runout, m.TelemetryLost, m.GraceState,
		m.PassRatio, m.DeficitMm, m.JamPercent, m.WindowMm, m.PrintMm, m.MmPerPulse,
		m.Pulses, m.Events, m.Prints,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe copies a session snapshot into the gauges.
func (m *Metrics) Observe(s policy.Snapshot) {
	m.Connected.Set(boolValue(s.Connected))
	m.Printing.Set(boolValue(s.Printing))
	m.Jammed.Set(boolValue(s.Jam.Jammed))
	m.Runout.Set(boolValue(s.Runout))
	m.TelemetryLost.Set(boolValue(s.TelemetryLost))
	m.GraceState.Set(float64(s.Jam.GraceState))
	m.PassRatio.Set(s.Jam.PassRatio)
	m.DeficitMm.Set(s.Jam.Deficit)
	m.JamPercent.WithLabelValues("hard").Set(s.Jam.HardJamPercent)
	m.JamPercent.WithLabelValues("soft").Set(s.Jam.SoftJamPercent)
	m.WindowMm.WithLabelValues("expected").Set(s.WindowExpectedMm)
	m.WindowMm.WithLabelValues("sensor").Set(s.WindowActualMm)
	m.PrintMm.WithLabelValues("expected").Set(s.ExpectedMm)
	m.PrintMm.WithLabelValues("sensor").Set(s.ActualMm)
	m.MmPerPulse.Set(s.MmPerPulse)

	m.mu.Lock()
	defer m.mu.Unlock()
	// The session count restarts with each print.
	if s.Pulses > m.lastPulses {
		m.Pulses.Add(float64(s.Pulses - m.lastPulses))
	}
	m.lastPulses = s.Pulses
}

// RecordEvent counts an event.
func (m *Metrics) RecordEvent(e model.Event) {
	m.Events.WithLabelValues(string(e.Kind)).Inc()
}

// RecordPrint counts a finished print.
func (m *Metrics) RecordPrint(p model.PrintRecord) {
	m.Prints.WithLabelValues(p.EndStatus.String()).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the handler on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
		return nil
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
