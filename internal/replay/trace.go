// Package replay records monitor input as JSON lines and runs it back through a session.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

const maxLineBytes = 1 << 20

// Kind names a trace record.
type Kind string

// Trace record kinds.
const (
	KindStatus Kind = "status"
	KindPulse  Kind = "pulse"
	KindRunout Kind = "runout"
	KindLink   Kind = "link"
)

// Record is one line of a trace.
type Record struct {
	At     time.Time           `json:"at"`
	Kind   Kind                `json:"kind"`
	Status *model.StatusUpdate `json:"status,omitempty"`
	Pulses int                 `json:"pulses,omitempty"`
	Runout bool                `json:"runout,omitempty"`
	Up     bool                `json:"up,omitempty"`
}

// Writer appends records to a trace. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewWriter writes records to w.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	tw := &Writer{buf: buf, enc: json.NewEncoder(buf)}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// Create opens a new trace file, creating parent directories.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}
	return NewWriter(f), nil
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}
	return nil
}

// Flush writes buffered records.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.buf.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// Read parses a trace. Blank lines are skipped; records must be in time order.
func Read(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		records []Record
		line    int
	)
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		if rec.At.IsZero() {
			return nil, fmt.Errorf("trace line %d: missing timestamp", line)
		}
		if n := len(records); n > 0 && rec.At.Before(records[n-1].At) {
			return nil, fmt.Errorf("trace line %d: timestamp goes backwards", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return records, nil
}

// ReadFile parses the trace at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			// Best-effort close after reading.
			_ = cerr
		}
	}()
	return Read(f)
}
