package sdcp

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDiscoverCollectsReplies(t *testing.T) {
	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = responder.Close()
	}()

	probes := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, from, err := responder.ReadFrom(buf)
		if err != nil {
			return
		}
		probes <- string(buf[:n])
		reply := []byte(`{"Id":"x","Data":{"Name":"CC","MachineName":"Centauri Carbon","MainboardIP":"127.0.0.1","MainboardID":"abc123","FirmwareVersion":"V1.1.0"}}`)
		// A repeated reply from the same board is listed once.
		_, _ = responder.WriteTo(reply, from)
		_, _ = responder.WriteTo(reply, from)
	}()

	printers, err := Discover(context.Background(), responder.LocalAddr().String(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := <-probes; got != "M99999" {
		t.Fatalf("unexpected probe %q", got)
	}
	if len(printers) != 1 {
		t.Fatalf("expected one printer, got %+v", printers)
	}
	p := printers[0]
	if p.Addr != "127.0.0.1" || p.MainboardID != "abc123" || p.MachineName != "Centauri Carbon" {
		t.Fatalf("unexpected printer %+v", p)
	}
}

func TestDiscoverStopsOnCancel(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = silent.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	printers, err := Discover(ctx, silent.LocalAddr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(printers) != 0 {
		t.Fatalf("expected no printers, got %+v", printers)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected cancellation to end discovery early")
	}
}

func TestParseDiscoveryReplyWithoutPayload(t *testing.T) {
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: DiscoveryPort}
	p := parseDiscoveryReply([]byte("hello"), from)
	if p.Addr != "192.168.1.40" || p.Name != "" {
		t.Fatalf("expected sender address only, got %+v", p)
	}
}
