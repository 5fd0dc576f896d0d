package policy

import (
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

const candidateIdleExpiry = 5 * time.Second

// startCandidate tracks the preparation sequence that precedes a new print.
type startCandidate struct {
	active      bool
	sawHoming   bool
	sawLeveling bool
	idleSince   time.Time
}

func (c *startCandidate) clear() {
	*c = startCandidate{}
}

func (c *startCandidate) satisfied() bool {
	return c.active && c.sawHoming && c.sawLeveling
}

// observe updates the candidate on a print status change and returns a log line, if any.
func (c *startCandidate) observe(prev, next model.PrintStatus, now time.Time) string {
	if next.IsRest() {
		if c.active && next == model.PrintIdle {
			if c.idleSince.IsZero() {
				c.idleSince = now
			}
			return ""
		}
		wasActive := c.active
		c.clear()
		if wasActive {
			return "Print start candidate cleared due to rest status " + next.String()
		}
		return ""
	}

	c.idleSince = time.Time{}
	if c.active {
		met := c.sawHoming && c.sawLeveling
		switch next {
		case model.PrintHoming:
			c.sawHoming = true
		case model.PrintBedLeveling:
			c.sawLeveling = true
		}
		if !met && c.satisfied() {
			return "Print start candidate conditions met (homing + leveling observed)"
		}
		return ""
	}

	if !prev.IsRest() && prev != model.PrintStopping {
		return ""
	}
	if !next.IsPrep() {
		return ""
	}
	c.active = true
	c.sawHoming = next == model.PrintHoming
	c.sawLeveling = next == model.PrintBedLeveling
	return "Print start candidate found (prev=" + prev.String() + " new=" + next.String() + ")"
}

// expire clears a candidate that has sat in Idle for too long.
func (c *startCandidate) expire(now time.Time) bool {
	if !c.active || c.idleSince.IsZero() {
		return false
	}
	if now.Sub(c.idleSince) <= candidateIdleExpiry {
		return false
	}
	c.clear()
	return true
}
