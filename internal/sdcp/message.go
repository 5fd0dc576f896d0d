// Package sdcp speaks the printer's JSON-over-websocket control protocol.
package sdcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/verte-zerg/flowguard/internal/model"
)

// Protocol endpoints.
const (
	Port          = 3030
	Path          = "/websocket"
	DiscoveryPort = 3000
)

// Command codes.
const (
	CmdStatus     = 0
	CmdAttributes = 1
	CmdPausePrint = 129
)

// Some firmware sends TotalExtrusion under its hex-encoded name.
const totalExtrusionHexKey = "54 6F 74 61 6C 45 78 74 72 75 73 69 6F 6E 00"

const maxMachineStatuses = 5

// ErrInvalidFrame is returned for payloads that are not JSON.
var ErrInvalidFrame = errors.New("invalid sdcp frame")

// Request is an outbound command envelope.
type Request struct {
	ID    string      `json:"Id"`
	Data  RequestData `json:"Data"`
	Topic string      `json:"Topic,omitempty"`
}

// RequestData is the command body.
type RequestData struct {
	Cmd           int      `json:"Cmd"`
	RequestID     string   `json:"RequestID"`
	MainboardID   string   `json:"MainboardID"`
	TimeStamp     int64    `json:"TimeStamp"`
	From          int      `json:"From"`
	Data          struct{} `json:"Data"`
	PrintStatus   int      `json:"PrintStatus"`
	CurrentStatus []int    `json:"CurrentStatus"`
}

// NewRequestID returns a fresh request ID without dashes.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildRequest assembles a command carrying the last known print and machine status.
func BuildRequest(cmd int, requestID, mainboardID string, now time.Time, printStatus model.PrintStatus, machine model.MachineStatusSet) Request {
	req := Request{
		ID: requestID,
		Data: RequestData{
			Cmd:           cmd,
			RequestID:     requestID,
			MainboardID:   mainboardID,
			TimeStamp:     now.Unix(),
			PrintStatus:   int(printStatus),
			CurrentStatus: machine.Codes(),
		},
	}
	if mainboardID != "" {
		req.Topic = "sdcp/request/" + mainboardID
	}
	return req
}

// Encode serializes the request.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %d: %w", r.Data.Cmd, err)
	}
	return data, nil
}

// FrameKind classifies an inbound payload.
type FrameKind int

// Frame kinds.
const (
	FrameUnknown FrameKind = iota
	FrameStatus
	FrameResponse
	FrameAttributes
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FrameStatus:
		return "status"
	case FrameResponse:
		return "response"
	case FrameAttributes:
		return "attributes"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Response acknowledges a command.
type Response struct {
	ID          string
	Cmd         int
	RequestID   string
	MainboardID string
	Ack         int
}

// Attributes describes the printer.
type Attributes struct {
	Name            string
	MachineName     string
	FirmwareVersion string
	MainboardID     string
	MainboardIP     string
}

// Frame is a decoded inbound payload.
type Frame struct {
	Kind       FrameKind
	Status     model.StatusUpdate
	Response   Response
	Attributes Attributes
}

// MainboardID returns the board ID carried by the frame, if any.
func (f Frame) MainboardID() string {
	switch f.Kind {
	case FrameStatus:
		return f.Status.MainboardID
	case FrameResponse:
		return f.Response.MainboardID
	case FrameAttributes:
		return f.Attributes.MainboardID
	}
	return ""
}

// DecodeFrame parses one inbound payload received at now.
func DecodeFrame(data []byte, now time.Time) (Frame, error) {
	if strings.TrimSpace(string(data)) == "pong" {
		return Frame{Kind: FramePong}, nil
	}
	if !gjson.ValidBytes(data) {
		return Frame{}, ErrInvalidFrame
	}
	root := gjson.ParseBytes(data)

	switch {
	case root.Get("Id").Exists() && root.Get("Data").Exists():
		return Frame{Kind: FrameResponse, Response: decodeResponse(root)}, nil
	case root.Get("Status").Exists():
		return Frame{Kind: FrameStatus, Status: decodeStatus(root, now)}, nil
	case root.Get("Attributes").Exists():
		return Frame{Kind: FrameAttributes, Attributes: decodeAttributes(root)}, nil
	}
	return Frame{Kind: FrameUnknown}, nil
}

func decodeResponse(root gjson.Result) Response {
	data := root.Get("Data")
	return Response{
		ID:          root.Get("Id").String(),
		Cmd:         int(data.Get("Cmd").Int()),
		RequestID:   data.Get("RequestID").String(),
		MainboardID: data.Get("MainboardID").String(),
		Ack:         int(data.Get("Data.Ack").Int()),
	}
}

func decodeStatus(root gjson.Result, now time.Time) model.StatusUpdate {
	status := root.Get("Status")
	u := model.StatusUpdate{
		ReceivedAt:  now,
		MainboardID: root.Get("MainboardID").String(),
	}

	if current := status.Get("CurrentStatus"); current.IsArray() {
		codes := make([]int, 0, maxMachineStatuses)
		for i, v := range current.Array() {
			if i >= maxMachineStatuses {
				break
			}
			codes = append(codes, int(v.Int()))
		}
		u.HasMachine = true
		u.Machine = model.NewMachineStatusSet(codes...)
	}

	if coord := status.Get("CurrenCoord"); coord.Exists() {
		parts := strings.Split(coord.String(), ",")
		if len(parts) >= 3 {
			if z, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
				u.HasZ = true
				u.Z = z
			}
		}
	}

	info := status.Get("PrintInfo")
	if !info.IsObject() {
		return u
	}
	u.HasPrintInfo = true
	u.PrintStatus = model.PrintStatus(info.Get("Status").Int())
	u.CurrentLayer = int(info.Get("CurrentLayer").Int())
	u.TotalLayer = int(info.Get("TotalLayer").Int())
	u.Progress = int(info.Get("Progress").Int())
	u.CurrentTicks = int(info.Get("CurrentTicks").Int())
	u.TotalTicks = int(info.Get("TotalTicks").Int())
	u.PrintSpeedPct = int(info.Get("PrintSpeedPct").Int())
	u.Filename = info.Get("Filename").String()
	if total, ok := totalExtrusion(info); ok {
		u.HasExtrusion = true
		u.TotalExtrusionMm = total
	}
	return u
}

func totalExtrusion(info gjson.Result) (float64, bool) {
	if v := info.Get("TotalExtrusion"); v.Exists() && v.Type != gjson.Null {
		return v.Float(), true
	}
	var (
		value float64
		found bool
	)
	// The hex key contains spaces, so match it by iterating rather than by path.
	info.ForEach(func(key, v gjson.Result) bool {
		if key.String() != totalExtrusionHexKey || v.Type == gjson.Null {
			return true
		}
		value, found = v.Float(), true
		return false
	})
	return value, found
}

func decodeAttributes(root gjson.Result) Attributes {
	attrs := root.Get("Attributes")
	id := attrs.Get("MainboardID").String()
	if id == "" {
		id = root.Get("MainboardID").String()
	}
	return Attributes{
		Name:            attrs.Get("Name").String(),
		MachineName:     attrs.Get("MachineName").String(),
		FirmwareVersion: attrs.Get("FirmwareVersion").String(),
		MainboardID:     id,
		MainboardIP:     attrs.Get("MainboardIP").String(),
	}
}
