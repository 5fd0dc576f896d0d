package sdcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

const (
	discoveryProbe   = "M99999"
	discoveryBufSize = 2048
)

// DefaultDiscoveryTarget is the limited broadcast address on the discovery port.
var DefaultDiscoveryTarget = net.JoinHostPort("255.255.255.255", strconv.Itoa(DiscoveryPort))

// Printer is one discovery responder.
type Printer struct {
	Addr            string
	Name            string
	MachineName     string
	MainboardID     string
	FirmwareVersion string
}

// Discover probes target and collects replies until timeout or ctx is done.
func Discover(ctx context.Context, target string, timeout time.Duration) ([]Printer, error) {
	if target == "" {
		target = DefaultDiscoveryTarget
	}
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discovery target: %w", err)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			// Best-effort close; replies are already collected.
			_ = cerr
		}
	}()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set discovery deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks ReadFrom on cancellation.
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteTo([]byte(discoveryProbe), dst); err != nil {
		return nil, fmt.Errorf("failed to send discovery probe: %w", err)
	}

	var printers []Printer
	seen := make(map[string]bool)
	buf := make([]byte, discoveryBufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return printers, nil
			}
			return printers, fmt.Errorf("failed to read discovery reply: %w", err)
		}
		p := parseDiscoveryReply(buf[:n], from)
		if seen[p.Addr] {
			continue
		}
		seen[p.Addr] = true
		printers = append(printers, p)
	}
}

func parseDiscoveryReply(data []byte, from net.Addr) Printer {
	host := from.String()
	if udp, ok := from.(*net.UDPAddr); ok {
		host = udp.IP.String()
	}
	p := Printer{Addr: host}
	if !gjson.ValidBytes(data) {
		return p
	}
	info := gjson.GetBytes(data, "Data")
	if !info.Exists() {
		info = gjson.ParseBytes(data)
	}
	p.Name = info.Get("Name").String()
	p.MachineName = info.Get("MachineName").String()
	p.MainboardID = info.Get("MainboardID").String()
	p.FirmwareVersion = info.Get("FirmwareVersion").String()
	if ip := info.Get("MainboardIP").String(); ip != "" {
		p.Addr = ip
	}
	return p
}
