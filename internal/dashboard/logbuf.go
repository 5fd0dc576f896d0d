package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/verte-zerg/flowguard/internal/ring"
)

// DefaultLogLines is how many log lines the dashboard keeps.
const DefaultLogLines = 500

// LogBuffer keeps the newest log lines for the dashboard. It is safe for concurrent use
// and satisfies the session, link and sensor logger interfaces.
type LogBuffer struct {
	mu      sync.Mutex
	lines   *ring.Buffer[string]
	version uint64
	now     func() time.Time
	mirror  io.Writer
}

// NewLogBuffer keeps up to capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &LogBuffer{lines: ring.New[string](capacity), now: time.Now}
}

// Mirror also writes every line to w, such as a log file.
func (b *LogBuffer) Mirror(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = w
}

// Logf appends a timestamped line.
func (b *LogBuffer) Logf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := b.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	b.lines.PushEvict(line)
	b.version++
	if b.mirror != nil {
		if _, err := fmt.Fprintln(b.mirror, line); err != nil {
			// Best-effort mirror.
			_ = err
		}
	}
}

// Lines returns the kept lines, oldest first, and a counter that changes on every append.
func (b *LogBuffer) Lines() ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines.Values(), b.version
}

// Clear drops all lines.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines.Clear()
	b.version++
}
