package policy

import (
	"testing"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
)

func TestCandidateRequiresRestOrStoppingOrigin(t *testing.T) {
	now := time.Unix(0, 0)
	var c startCandidate
	c.observe(model.PrintPrinting, model.PrintHoming, now)
	if c.active {
		t.Fatalf("expected no candidate from a printing origin")
	}
	c.observe(model.PrintStopping, model.PrintBedLeveling, now)
	if !c.active || !c.sawLeveling {
		t.Fatalf("expected candidate from stopping into leveling")
	}
	msg := c.observe(model.PrintBedLeveling, model.PrintHoming, now)
	if !c.satisfied() || msg == "" {
		t.Fatalf("expected satisfied candidate with log line")
	}
}

func TestCandidateClearsOnNonIdleRest(t *testing.T) {
	now := time.Unix(0, 0)
	var c startCandidate
	c.observe(model.PrintIdle, model.PrintHeating, now)
	if !c.active {
		t.Fatalf("expected heating to start a candidate")
	}
	c.observe(model.PrintHeating, model.PrintStopped, now)
	if c.active {
		t.Fatalf("expected stopped to clear the candidate")
	}
}

func TestCandidateIdleExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	var c startCandidate
	c.observe(model.PrintIdle, model.PrintHoming, now)
	c.observe(model.PrintHoming, model.PrintIdle, now)
	if c.expire(now.Add(5 * time.Second)) {
		t.Fatalf("expected candidate to survive 5s of idle")
	}
	if !c.expire(now.Add(5*time.Second + time.Millisecond)) {
		t.Fatalf("expected candidate to expire after 5s of idle")
	}
	if c.active {
		t.Fatalf("expected expired candidate to be cleared")
	}
}
