package sdcp

import (
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/verte-zerg/flowguard/internal/model"
)

const statusFrame = `{
	"Status": {
		"CurrentStatus": [1],
		"CurrenCoord": "100.00,120.50,3.40",
		"PrintInfo": {
			"Status": 13,
			"CurrentLayer": 12,
			"TotalLayer": 240,
			"Progress": 5,
			"PrintSpeedPct": 100,
			"Filename": "benchy.gcode",
			"54 6F 74 61 6C 45 78 74 72 75 73 69 6F 6E 00": 123.45
		}
	},
	"MainboardID": "abc123",
	"TimeStamp": 1700000000,
	"Topic": "sdcp/status/abc123"
}`

func TestDecodeStatusFrame(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	frame, err := DecodeFrame([]byte(statusFrame), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != FrameStatus {
		t.Fatalf("expected status frame, got %s", frame.Kind)
	}
	u := frame.Status
	if !u.HasMachine || !u.Machine.Has(model.MachinePrinting) {
		t.Fatalf("expected printing machine status, got %s", u.Machine)
	}
	if !u.HasZ || u.Z != 3.4 {
		t.Fatalf("expected z=3.4, got %v (%v)", u.Z, u.HasZ)
	}
	if !u.HasPrintInfo || u.PrintStatus != model.PrintPrinting || u.CurrentLayer != 12 || u.TotalLayer != 240 {
		t.Fatalf("unexpected print info: %+v", u)
	}
	if !u.HasExtrusion || u.TotalExtrusionMm != 123.45 {
		t.Fatalf("expected hex-keyed extrusion 123.45, got %v (%v)", u.TotalExtrusionMm, u.HasExtrusion)
	}
	if u.Filename != "benchy.gcode" || frame.MainboardID() != "abc123" {
		t.Fatalf("unexpected filename or board: %q %q", u.Filename, frame.MainboardID())
	}
	if !u.ReceivedAt.Equal(now) {
		t.Fatalf("expected receive time to be stamped")
	}
}

func TestDecodeStatusPrefersPlainExtrusionKey(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"Status":{"PrintInfo":{"Status":13,"TotalExtrusion":7.5}}}`), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !frame.Status.HasExtrusion || frame.Status.TotalExtrusionMm != 7.5 {
		t.Fatalf("expected extrusion 7.5, got %+v", frame.Status)
	}
	if frame.Status.HasMachine || frame.Status.HasZ {
		t.Fatalf("expected missing fields to stay unset")
	}
}

func TestDecodeStatusNullExtrusion(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"Status":{"PrintInfo":{"Status":0,"TotalExtrusion":null}}}`), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Status.HasExtrusion {
		t.Fatalf("expected null extrusion to be ignored")
	}
}

func TestDecodeMachineStatusCapsAtFive(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"Status":{"CurrentStatus":[0,0,0,0,0,1]}}`), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Status.Machine.Has(model.MachinePrinting) {
		t.Fatalf("expected entries past the fifth to be ignored")
	}
}

func TestDecodeResponseFrame(t *testing.T) {
	payload := `{"Id":"x","Data":{"Cmd":129,"RequestID":"deadbeef","MainboardID":"abc123","Data":{"Ack":0}}}`
	frame, err := DecodeFrame([]byte(payload), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != FrameResponse {
		t.Fatalf("expected response frame, got %s", frame.Kind)
	}
	r := frame.Response
	if r.Cmd != CmdPausePrint || r.RequestID != "deadbeef" || r.Ack != 0 || r.MainboardID != "abc123" {
		t.Fatalf("unexpected response: %+v", r)
	}
}

func TestDecodeAttributesAndPong(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"Attributes":{"Name":"CC","MachineName":"Centauri Carbon","MainboardID":"b1"}}`), time.Now())
	if err != nil || frame.Kind != FrameAttributes || frame.Attributes.MachineName != "Centauri Carbon" {
		t.Fatalf("unexpected attributes frame: %+v %v", frame, err)
	}
	frame, err = DecodeFrame([]byte("pong"), time.Now())
	if err != nil || frame.Kind != FramePong {
		t.Fatalf("expected pong frame, got %+v %v", frame, err)
	}
}

func TestDecodeInvalidFrame(t *testing.T) {
	if _, err := DecodeFrame([]byte("{nope"), time.Now()); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestBuildRequest(t *testing.T) {
	now := time.Unix(1_700_000_123, 0)
	id := NewRequestID()
	if len(id) != 32 {
		t.Fatalf("expected 32-char request id without dashes, got %q", id)
	}
	req := BuildRequest(CmdPausePrint, id, "abc123", now, model.PrintPrinting, model.NewMachineStatusSet(1))
	data, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	doc := gjson.ParseBytes(data)
	checks := map[string]string{
		"Id":                 id,
		"Data.RequestID":     id,
		"Data.Cmd":           "129",
		"Data.TimeStamp":     "1700000123",
		"Data.From":          "0",
		"Data.Data":          "{}",
		"Topic":              "sdcp/request/abc123",
		"Data.CurrentStatus": "[1]",
		"Data.PrintStatus":   "13",
	}
	for path, want := range checks {
		if got := doc.Get(path).Raw; got != want && doc.Get(path).String() != want {
			t.Fatalf("%s: expected %s, got %s", path, want, got)
		}
	}

	anon := BuildRequest(CmdStatus, id, "", now, model.PrintIdle, model.MachineStatusSet{})
	data, err = anon.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if gjson.GetBytes(data, "Topic").Exists() {
		t.Fatalf("expected no topic without a mainboard id")
	}
	if got := gjson.GetBytes(data, "Data.CurrentStatus").Raw; got != "[]" {
		t.Fatalf("expected empty status list, got %s", got)
	}
}
