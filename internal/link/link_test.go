package link

import (
	"testing"
	"time"

	"github.com/libmapper/mapperd/internal/clock"
)

func TestEnqueueFlushSignal(t *testing.T) {
	l := New(1, "devA", "devB", Addresses{})
	big := make([]byte, BundleFlushThreshold-10)
	if l.Enqueue(big) {
		t.Fatal("first message under threshold should not force a flush")
	}
	if !l.Enqueue(make([]byte, 20)) {
		t.Fatal("expected flush signal once threshold exceeded")
	}
}

func TestTakeBundleClears(t *testing.T) {
	l := New(1, "devA", "devB", Addresses{})
	l.Enqueue([]byte("hello"))
	msgs := l.TakeBundle()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if more := l.TakeBundle(); more != nil {
		t.Fatal("second TakeBundle should be empty")
	}
}

func TestCheckExpiryStages(t *testing.T) {
	l := New(1, "devA", "devB", Addresses{})
	now := time.Now()
	id, _ := l.Clock.NextPing(now)
	l.Clock.RecvPing(1, id, time.Millisecond, now, clock.Now())

	if stage := l.CheckExpiry(now); stage != Alive {
		t.Fatalf("stage = %v, want Alive immediately after a ping", stage)
	}
	if stage := l.CheckExpiry(now.Add(TimeoutSec + time.Second)); stage != TentativelyExpired {
		t.Fatalf("stage = %v, want TentativelyExpired after one timeout", stage)
	}
	if stage := l.CheckExpiry(now.Add(2*TimeoutSec + 2*time.Second)); stage != Dead {
		t.Fatalf("stage = %v, want Dead after two timeouts", stage)
	}
}

func TestSetTimeoutOverridesExpiry(t *testing.T) {
	l := New(1, "devA", "devB", Addresses{})
	l.SetTimeout(30 * time.Second)
	now := time.Now()
	id, _ := l.Clock.NextPing(now)
	l.Clock.RecvPing(1, id, time.Millisecond, now, clock.Now())

	if stage := l.CheckExpiry(now.Add(TimeoutSec + time.Second)); stage != Alive {
		t.Fatalf("stage = %v, want Alive before the configured 30s timeout", stage)
	}
	if stage := l.CheckExpiry(now.Add(31 * time.Second)); stage != TentativelyExpired {
		t.Fatalf("stage = %v, want TentativelyExpired past the configured timeout", stage)
	}
}

func TestSetTimeoutIgnoresNonPositive(t *testing.T) {
	l := New(1, "devA", "devB", Addresses{})
	l.SetTimeout(0)
	if l.Timeout() != TimeoutSec {
		t.Fatalf("Timeout = %v, want default %v", l.Timeout(), TimeoutSec)
	}
}
