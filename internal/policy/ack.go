package policy

import "time"

// AckTimeout is how long an unacknowledged command blocks new ones.
const AckTimeout = 5 * time.Second

// PendingAck describes the command awaiting acknowledgment.
type PendingAck struct {
	Command   int
	RequestID string
	SentAt    time.Time
}

// AckTracker allows at most one outstanding acknowledgment.
type AckTracker struct {
	pending *PendingAck
}

// Begin registers a command. It returns false when another ack is still outstanding.
func (a *AckTracker) Begin(command int, requestID string, now time.Time) bool {
	if a.pending != nil {
		return false
	}
	a.pending = &PendingAck{Command: command, RequestID: requestID, SentAt: now}
	return true
}

// Acknowledge clears the outstanding command when command and request ID match.
func (a *AckTracker) Acknowledge(command int, requestID string) bool {
	if a.pending == nil || a.pending.Command != command || a.pending.RequestID != requestID {
		return false
	}
	a.pending = nil
	return true
}

// Expire abandons a command older than AckTimeout and returns it.
func (a *AckTracker) Expire(now time.Time) (PendingAck, bool) {
	if a.pending == nil || now.Sub(a.pending.SentAt) < AckTimeout {
		return PendingAck{}, false
	}
	expired := *a.pending
	a.pending = nil
	return expired, true
}

// Pending returns the outstanding command, if any.
func (a *AckTracker) Pending() (PendingAck, bool) {
	if a.pending == nil {
		return PendingAck{}, false
	}
	return *a.pending, true
}

// Reset drops any outstanding command.
func (a *AckTracker) Reset() {
	a.pending = nil
}
