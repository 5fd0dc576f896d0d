package sdcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verte-zerg/flowguard/internal/model"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffBase      = 5 * time.Second
	defaultBackoffMax       = 60 * time.Second
	keepaliveInterval       = 29900 * time.Millisecond
	writeTimeout            = 5 * time.Second
	eventBuffer             = 64
)

// ErrNotConnected is returned when a command is sent without a live link.
var ErrNotConnected = errors.New("printer not connected")

// Logger receives link log lines.
type Logger interface {
	Logf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

// EventKind classifies link events.
type EventKind int

// Link events.
const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFrame
)

// Event is delivered on the client's event channel.
type Event struct {
	Kind  EventKind
	Frame Frame
	Err   error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the link logger.
func WithLogger(l Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBackoff overrides the reconnect backoff base and cap.
func WithBackoff(base, limit time.Duration) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if limit > 0 {
			c.backoffMax = limit
		}
	}
}

// WithHandshakeTimeout sets the websocket dial timeout.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client maintains the websocket link to one printer.
// Run owns the connection; Send may be called from any goroutine.
type Client struct {
	dialer      *websocket.Dialer
	log         Logger
	now         func() time.Time
	backoffBase time.Duration
	backoffMax  time.Duration
	events      chan Event

	retarget chan struct{}

	mu          sync.Mutex
	addr        string
	conn        *websocket.Conn
	mainboardID string

	writeMu sync.Mutex
}

// NewClient creates a client for addr ("host" or "host:port").
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		dialer:      &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		log:         nopLogger{},
		now:         time.Now,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		events:      make(chan Event, eventBuffer),
		retarget:    make(chan struct{}, 1),
		addr:        addr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the link event stream. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// URL returns the websocket URL for the current address.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return endpointURL(c.addr)
}

// SetAddress switches to a new printer address, dropping the current link.
// A pending reconnect delay is skipped and the backoff starts over.
func (c *Client) SetAddress(addr string) {
	c.mu.Lock()
	if addr == c.addr {
		c.mu.Unlock()
		return
	}
	c.addr = addr
	conn := c.conn
	c.mu.Unlock()
	select {
	case c.retarget <- struct{}{}:
	default:
	}
	if conn != nil {
		c.log.Logf("Printer address changed to %s, reconnecting", addr)
		if err := conn.Close(); err != nil {
			// Best-effort close; the read loop exits either way.
			_ = err
		}
	}
}

// MainboardID returns the learned board ID.
func (c *Client) MainboardID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainboardID
}

// Connected reports whether a link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		url := c.URL()
		c.log.Logf("Attempting connection to printer @ %s", url)
		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			delay := reconnectDelay(attempt, c.backoffBase, c.backoffMax)
			c.log.Logf("Failed to connect to printer: %v (retry in %s)", err, delay)
			retargeted, ok := c.backoff(ctx, delay)
			if !ok {
				return nil
			}
			if retargeted {
				attempt = 0
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Logf("Connected to printer")
		c.emit(ctx, Event{Kind: EventConnected})

		connCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepalive(connCtx, conn)
		}()
		go func() {
			<-connCtx.Done()
			if cerr := conn.Close(); cerr != nil {
				// Best-effort close to unblock the reader.
				_ = cerr
			}
		}()

		readErr := c.readLoop(ctx, conn)
		cancel()
		wg.Wait()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			select {
			case c.events <- Event{Kind: EventDisconnected}:
			default:
			}
			return nil
		}
		c.log.Logf("Disconnected from printer: %v", readErr)
		c.emit(ctx, Event{Kind: EventDisconnected, Err: readErr})
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			c.log.Logf("Received unsupported binary data")
			continue
		}
		frame, err := DecodeFrame(data, c.now())
		if err != nil {
			c.log.Logf("Failed to decode frame (%d bytes): %v", len(data), err)
			continue
		}
		if frame.Kind == FramePong || frame.Kind == FrameUnknown {
			continue
		}
		c.learnMainboardID(frame.MainboardID())
		if !c.emit(ctx, Event{Kind: EventFrame, Frame: frame}) {
			return ctx.Err()
		}
	}
}

func (c *Client) learnMainboardID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mainboardID != "" {
		return
	}
	c.mainboardID = id
	c.log.Logf("Stored MainboardID: %s", id)
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, []byte("ping")); err != nil {
				c.log.Logf("Keepalive failed: %v", err)
				return
			}
		}
	}
}

func (c *Client) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send writes a command with the given status context and returns its request ID.
func (c *Client) Send(cmd int, printStatus model.PrintStatus, machine model.MachineStatusSet) (string, error) {
	c.mu.Lock()
	conn := c.conn
	mainboardID := c.mainboardID
	c.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	requestID := NewRequestID()
	payload, err := BuildRequest(cmd, requestID, mainboardID, c.now(), printStatus, machine).Encode()
	if err != nil {
		return "", err
	}
	if err := c.write(conn, payload); err != nil {
		return "", fmt.Errorf("failed to send command %d: %w", cmd, err)
	}
	return requestID, nil
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// reconnectDelay returns base*2^(attempt-1), capped at limit.
func reconnectDelay(attempt int, base, limit time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// backoff waits d, returning early when the address changes. ok is false once ctx is done.
func (c *Client) backoff(ctx context.Context, d time.Duration) (retargeted, ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, false
	case <-c.retarget:
		return true, true
	case <-timer.C:
		return false, true
	}
}

func endpointURL(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, prefix := range []string{"ws://", "http://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	addr = strings.TrimSuffix(addr, Path)
	addr = strings.TrimSuffix(addr, "/")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(Port))
	}
	return "ws://" + addr + Path
}
