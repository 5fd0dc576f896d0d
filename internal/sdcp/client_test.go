package sdcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/verte-zerg/flowguard/internal/model"
)

func newPrinterServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			if cerr := conn.Close(); cerr != nil {
				_ = cerr
			}
		}()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for link event")
	}
	return Event{}
}

func TestClientReceivesStatusAndSendsCommands(t *testing.T) {
	received := make(chan []byte, 1)
	addr := newPrinterServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(statusFrame)); err != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		// Hold the link open until the client goes away.
		_, _, _ = conn.ReadMessage()
	})

	client := NewClient(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	if ev := waitEvent(t, client.Events()); ev.Kind != EventConnected {
		t.Fatalf("expected connected event, got %v", ev.Kind)
	}
	ev := waitEvent(t, client.Events())
	if ev.Kind != EventFrame || ev.Frame.Kind != FrameStatus {
		t.Fatalf("expected status frame, got %+v", ev)
	}
	if ev.Frame.Status.TotalExtrusionMm != 123.45 {
		t.Fatalf("unexpected extrusion %v", ev.Frame.Status.TotalExtrusionMm)
	}
	if client.MainboardID() != "abc123" {
		t.Fatalf("expected mainboard id to be learned, got %q", client.MainboardID())
	}

	id, err := client.Send(CmdPausePrint, model.PrintPrinting, model.NewMachineStatusSet(1))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-received:
		doc := gjson.ParseBytes(msg)
		if doc.Get("Data.Cmd").Int() != CmdPausePrint || doc.Get("Data.RequestID").String() != id {
			t.Fatalf("unexpected command payload %s", msg)
		}
		if doc.Get("Topic").String() != "sdcp/request/abc123" {
			t.Fatalf("expected topic with learned board id, got %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received the command")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not stop")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	connections := make(chan struct{}, 4)
	addr := newPrinterServer(t, func(conn *websocket.Conn) {
		connections <- struct{}{}
		if len(connections) == 1 {
			// Drop the first link straight away.
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	client := NewClient(addr, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	want := []EventKind{EventConnected, EventDisconnected, EventConnected}
	for i, kind := range want {
		if ev := waitEvent(t, client.Events()); ev.Kind != kind {
			t.Fatalf("event %d: expected %v, got %v", i, kind, ev.Kind)
		}
	}
	if !client.Connected() {
		t.Fatalf("expected client to be connected again")
	}
}

func TestSetAddressSkipsBackoff(t *testing.T) {
	addr := newPrinterServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	// Nothing listens on port 1, and the hour-long backoff would stall the test.
	client := NewClient("127.0.0.1:1", WithBackoff(time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	client.SetAddress(addr)
	if ev := waitEvent(t, client.Events()); ev.Kind != EventConnected {
		t.Fatalf("expected connection to the new address, got %v", ev.Kind)
	}
	if got := client.URL(); got != "ws://"+addr+Path {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestSendWithoutLink(t *testing.T) {
	client := NewClient("127.0.0.1")
	if _, err := client.Send(CmdStatus, model.PrintIdle, model.MachineStatusSet{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := reconnectDelay(i+1, 5*time.Second, 60*time.Second); got != w*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w*time.Second, got)
		}
	}
}

func TestEndpointURL(t *testing.T) {
	cases := map[string]string{
		"192.168.1.20":                 "ws://192.168.1.20:3030/websocket",
		"printer.local:4000":           "ws://printer.local:4000/websocket",
		"ws://10.0.0.5:3030/websocket": "ws://10.0.0.5:3030/websocket",
		" http://10.0.0.6/ ":           "ws://10.0.0.6:3030/websocket",
	}
	for in, want := range cases {
		if got := endpointURL(in); got != want {
			t.Fatalf("endpointURL(%q) = %q, want %q", in, got, want)
		}
	}
}
