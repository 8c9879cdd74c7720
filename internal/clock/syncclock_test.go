package clock

import (
	"testing"
	"time"
)

func TestSyncClockFirstSample(t *testing.T) {
	c := NewSyncClock()
	if c.HaveSample() {
		t.Fatal("fresh clock should have no sample")
	}
	c.applySample(10*time.Millisecond, 5*time.Millisecond)
	if !c.HaveSample() {
		t.Fatal("expected sample recorded")
	}
	if c.Offset != 10*time.Millisecond || c.Latency != 5*time.Millisecond || c.Jitter != 0 {
		t.Fatalf("unexpected first sample state: %+v", c)
	}
}

func TestSyncClockAdoptsLargerOffsetImmediately(t *testing.T) {
	c := NewSyncClock()
	c.applySample(5*time.Millisecond, 2*time.Millisecond)
	c.applySample(20*time.Millisecond, 2*time.Millisecond)
	if c.Offset != 20*time.Millisecond {
		t.Fatalf("offset = %v, want 20ms (immediate adoption)", c.Offset)
	}
}

func TestSyncClockBlendsWithinJitter(t *testing.T) {
	c := NewSyncClock()
	c.applySample(10*time.Millisecond, 10*time.Millisecond)
	// Same latency as before (zero jitter delta) keeps the sample inside the
	// latency±jitter window, so a lower offset blends rather than being
	// dropped or adopted wholesale.
	c.applySample(8*time.Millisecond, 10*time.Millisecond)
	if c.Offset == 10*time.Millisecond {
		t.Fatal("expected offset to blend toward the new (lower) sample")
	}
	if c.Offset > 10*time.Millisecond {
		t.Fatalf("offset should not have grown: %v", c.Offset)
	}
}

func TestSyncClockPingRoundTrip(t *testing.T) {
	c := NewSyncClock()
	sent := time.Now()
	id, _ := c.NextPing(sent)

	recvAt := sent.Add(20 * time.Millisecond)
	c.RecvPing(7, id, 6*time.Millisecond, recvAt, FromDuration(recvAt.Sub(processEpoch)))

	if !c.HaveSample() {
		t.Fatal("expected a resolved sample after RecvPing")
	}
	if c.Latency < 0 {
		t.Fatalf("latency should be non-negative, got %v", c.Latency)
	}
}

func TestSyncClockExpiry(t *testing.T) {
	c := NewSyncClock()
	if c.Expired() {
		t.Fatal("fresh clock should not be expired")
	}
	if wasAlready := c.MarkTentativelyExpired(); wasAlready {
		t.Fatal("first expiry mark should report not-already-expired")
	}
	if !c.Expired() {
		t.Fatal("expected expired after MarkTentativelyExpired")
	}
	if wasAlready := c.MarkTentativelyExpired(); !wasAlready {
		t.Fatal("second expiry mark should report already-expired")
	}
}

func TestSyncClockPruneInFlight(t *testing.T) {
	c := NewSyncClock()
	base := time.Now()
	for i := 0; i < maxInFlightPings+10; i++ {
		c.NextPing(base.Add(time.Duration(i) * time.Millisecond))
	}
	if len(c.sentTime) > maxInFlightPings {
		t.Fatalf("sentTime grew to %d, want <= %d", len(c.sentTime), maxInFlightPings)
	}
}
