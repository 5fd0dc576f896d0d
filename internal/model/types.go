// Package model defines shared data structures.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PrintStatus is the printer's print phase as reported in PrintInfo.Status.
type PrintStatus int

// Print phases.
const (
	PrintIdle         PrintStatus = 0
	PrintHoming       PrintStatus = 1
	PrintDropping     PrintStatus = 2
	PrintExposuring   PrintStatus = 3
	PrintLifting      PrintStatus = 4
	PrintPausing      PrintStatus = 5
	PrintPaused       PrintStatus = 6
	PrintStopping     PrintStatus = 7
	PrintStopped      PrintStatus = 8
	PrintComplete     PrintStatus = 9
	PrintFileChecking PrintStatus = 10
	PrintPrinting     PrintStatus = 13
	PrintUnknown15    PrintStatus = 15
	PrintHeating      PrintStatus = 16
	PrintUnknown18    PrintStatus = 18
	PrintUnknown19    PrintStatus = 19
	PrintBedLeveling  PrintStatus = 20
	PrintUnknown21    PrintStatus = 21
)

var printStatusNames = map[PrintStatus]string{
	PrintIdle:         "idle",
	PrintHoming:       "homing",
	PrintDropping:     "dropping",
	PrintExposuring:   "exposuring",
	PrintLifting:      "lifting",
	PrintPausing:      "pausing",
	PrintPaused:       "paused",
	PrintStopping:     "stopping",
	PrintStopped:      "stopped",
	PrintComplete:     "complete",
	PrintFileChecking: "file-checking",
	PrintPrinting:     "printing",
	PrintHeating:      "heating",
	PrintBedLeveling:  "bed-leveling",
}

func (s PrintStatus) String() string {
	if name, ok := printStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status-%d", int(s))
}

// IsRest reports whether the printer is resting between jobs.
func (s PrintStatus) IsRest() bool {
	switch s {
	case PrintIdle, PrintComplete, PrintPaused, PrintStopped:
		return true
	}
	return false
}

// IsPrep reports whether the phase precedes a new print.
func (s PrintStatus) IsPrep() bool {
	switch s {
	case PrintHoming, PrintBedLeveling, PrintHeating, PrintUnknown18, PrintUnknown19, PrintUnknown21:
		return true
	}
	return false
}

// IsPause reports Pausing or Paused.
func (s PrintStatus) IsPause() bool {
	return s == PrintPausing || s == PrintPaused
}

// IsFinished reports Stopped, Complete or Idle.
func (s PrintStatus) IsFinished() bool {
	return s == PrintStopped || s == PrintComplete || s == PrintIdle
}

// MachineStatus is one capability flag from Status.CurrentStatus.
type MachineStatus int

// Machine capability flags.
const (
	MachineIdle MachineStatus = iota
	MachinePrinting
	MachineFileTransferring
	MachineExposureTesting
	MachineDevicesTesting

	maxMachineStatus = MachineDevicesTesting
)

func (m MachineStatus) String() string {
	switch m {
	case MachineIdle:
		return "idle"
	case MachinePrinting:
		return "printing"
	case MachineFileTransferring:
		return "file-transferring"
	case MachineExposureTesting:
		return "exposure-testing"
	case MachineDevicesTesting:
		return "devices-testing"
	default:
		return fmt.Sprintf("machine-%d", int(m))
	}
}

// MachineStatusSet is a set of machine capability flags.
type MachineStatusSet struct {
	members map[MachineStatus]struct{}
}

// NewMachineStatusSet builds a set from raw codes. Out-of-range codes are dropped.
func NewMachineStatusSet(codes ...int) MachineStatusSet {
	var set MachineStatusSet
	for _, code := range codes {
		set = set.With(MachineStatus(code))
	}
	return set
}

// With returns a copy of the set including m.
func (s MachineStatusSet) With(m MachineStatus) MachineStatusSet {
	if m < MachineIdle || m > maxMachineStatus {
		return s
	}
	members := make(map[MachineStatus]struct{}, len(s.members)+1)
	for k := range s.members {
		members[k] = struct{}{}
	}
	members[m] = struct{}{}
	return MachineStatusSet{members: members}
}

// Has reports membership.
func (s MachineStatusSet) Has(m MachineStatus) bool {
	_, ok := s.members[m]
	return ok
}

// Len returns the number of members.
func (s MachineStatusSet) Len() int {
	return len(s.members)
}

// Codes returns the raw codes in ascending order.
func (s MachineStatusSet) Codes() []int {
	codes := make([]int, 0, len(s.members))
	for m := range s.members {
		codes = append(codes, int(m))
	}
	sort.Ints(codes)
	return codes
}

func (s MachineStatusSet) String() string {
	codes := s.Codes()
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = MachineStatus(c).String()
	}
	return "[" + strings.Join(names, ",") + "]"
}

// MarshalJSON encodes the set as its sorted code list.
func (s MachineStatusSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Codes())
}

// UnmarshalJSON decodes a code list.
func (s *MachineStatusSet) UnmarshalJSON(data []byte) error {
	var codes []int
	if err := json.Unmarshal(data, &codes); err != nil {
		return fmt.Errorf("failed to decode machine status: %w", err)
	}
	*s = NewMachineStatusSet(codes...)
	return nil
}

// StatusUpdate is one decoded printer status frame.
type StatusUpdate struct {
	ReceivedAt time.Time

	HasMachine bool
	Machine    MachineStatusSet

	HasZ bool
	Z    float64

	HasPrintInfo  bool
	PrintStatus   PrintStatus
	CurrentLayer  int
	TotalLayer    int
	Progress      int
	CurrentTicks  int
	TotalTicks    int
	PrintSpeedPct int
	Filename      string

	HasExtrusion     bool
	TotalExtrusionMm float64

	MainboardID string
}

// PrintRecord summarizes a finished print.
type PrintRecord struct {
	ID         int64
	StartedAt  time.Time
	EndedAt    time.Time
	EndStatus  PrintStatus
	Filename   string
	Layer      int
	TotalLayer int
	Progress   int
	ExpectedMm float64
	ActualMm   float64
	Pulses     uint64
	MmPerPulse float64
	Jams       int
	Pauses     int
}

// DeficitMm returns max(0, expected - actual).
func (p PrintRecord) DeficitMm() float64 {
	if d := p.ExpectedMm - p.ActualMm; d > 0 {
		return d
	}
	return 0
}

// FlowQuality returns actual/expected, or 0 without expected movement.
func (p PrintRecord) FlowQuality() float64 {
	if p.ExpectedMm <= 0 {
		return 0
	}
	return p.ActualMm / p.ExpectedMm
}

// EventKind names a session event.
type EventKind string

// Session events.
const (
	EventPrintStarted    EventKind = "print-started"
	EventPrintEnded      EventKind = "print-ended"
	EventJam             EventKind = "jam"
	EventFlowResumed     EventKind = "flow-resumed"
	EventPause           EventKind = "pause"
	EventPauseSuppressed EventKind = "pause-suppressed"
	EventResume          EventKind = "resume"
	EventRunout          EventKind = "runout"
	EventRunoutCleared   EventKind = "runout-cleared"
	EventCalibrated      EventKind = "calibrated"
	EventTelemetryLost   EventKind = "telemetry-lost"
)

// Event is a notable session transition.
type Event struct {
	At         time.Time
	Kind       EventKind
	Detail     string
	PassRatio  float64
	DeficitMm  float64
	HardPct    float64
	SoftPct    float64
	Pulses     uint64
	ExpectedMm float64
}

// FlowPoint is one periodic flow sample kept for history plots.
type FlowPoint struct {
	At           time.Time
	ExpectedMm   float64
	ActualMm     float64
	ExpectedRate float64
	ActualRate   float64
	PassRatio    float64
	HardPct      float64
	SoftPct      float64
}

// Calibration is the persisted sensor calibration.
type Calibration struct {
	MmPerPulse    float64
	AutoCalibrate bool
	UpdatedAt     time.Time
}

// HistoryFilter narrows history queries.
type HistoryFilter struct {
	Since *time.Time
	Last  int
}
